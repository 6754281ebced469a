package models

// Agent jobs
const (
	JobOfficer   = "OFFICER"
	JobDetective = "DETECTIVE"
	JobForensic  = "FORENSIC"
)

// Agent represents a police agent, identified by badge number
type Agent struct {
	Badge  string `gorm:"column:badge;primaryKey;type:varchar(50)" json:"badge"`
	Name   string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Job    string `gorm:"column:job;type:varchar(20);not null" json:"job"`
	Office string `gorm:"column:office;type:varchar(100);index;not null" json:"office"`
}
