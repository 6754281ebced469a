package models

import "time"

// OwnerRecord is one entry of an evidence's custody history: who held it and
// until when.
type OwnerRecord struct {
	Owner string    `json:"owner"`
	Till  time.Time `json:"till"`
}

// Evidence represents a piece of evidence attached to a case. Owner is the
// FQI of the current custodian (Agent or Deposit); OlderOwners is append-only
// and records the full custody chain. Case never changes after creation.
type Evidence struct {
	ID           string        `json:"id"`
	Hash         string        `json:"hash"`
	HashType     string        `json:"hash_type"`
	Description  string        `json:"description"`
	Extension    string        `json:"extension"`
	AdditionDate time.Time     `json:"addition_date"`
	Owner        string        `json:"owner"`
	OlderOwners  []OwnerRecord `json:"older_owners"`
	Case         string        `json:"case"`
}
