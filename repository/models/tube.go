package models

// Tube represents a steam-generator tube under inspection. Immutable once
// registered.
type Tube struct {
	ID     string  `json:"id"`
	PosX   float64 `json:"pos_x"`
	PosY   float64 `json:"pos_y"`
	Length float64 `json:"length"`
}
