package models

// Deposit represents an evidence deposit, tied 1:1 to an office
type Deposit struct {
	ID     string `gorm:"column:deposit_id;primaryKey;type:varchar(50)" json:"id"`
	Office string `gorm:"column:office;type:varchar(100);uniqueIndex;not null" json:"office"`
}
