package models

// Staff roles
const (
	RoleAdmin           = "ADMIN"
	RoleAcquisitor      = "ACQUISITOR"
	RoleAnalyst         = "ANALYST"
	RoleAdvancedAnalyst = "ADVANCED_ANALYST"
	RoleAuto            = "AUTO"
)

// Staff represents a member of the inspection staff
type Staff struct {
	ID   string `gorm:"column:staff_id;primaryKey;type:varchar(50)" json:"id"`
	Name string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Role string `gorm:"column:role;type:varchar(20);not null" json:"role"`
}
