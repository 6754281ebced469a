// Package repository holds the participant directory: agents, deposits and
// staff live in Postgres, while the case and inspection assets live on the
// ledger. Participants change rarely and are administered off-chain, so the
// directory is read-only from the transaction engines' point of view.
package repository

import (
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"custodia/ledger"
	"custodia/repository/models"
)

// PostgreSQL error codes as constants
const (
	// Class 23 — Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08 — Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40 — Transaction Rollback
	PgErrTransactionRollback = "40000" // transaction_rollback

	// Class 57 — Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
)

// Directory implements ledger.Directory over a Postgres participant store.
type Directory struct {
	db *gorm.DB
}

func NewDirectory() *Directory {
	return &Directory{}
}

// NewDirectoryWithDB wraps an existing gorm connection, used by tests.
func NewDirectoryWithDB(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// ConnectDB connects to Postgres, retrying while the database container
// comes up.
func (d *Directory) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		log.Printf("Connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn))
		if err != nil {
			lastErr = err
			log.Printf("Connection attempt %d failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		d.db = db
		log.Println("Connected to Postgres")
		return nil
	}
	return lastErr
}

func (d *Directory) Migrate() {
	d.db.AutoMigrate(
		&models.Agent{},
		&models.Deposit{},
		&models.Staff{},
	)
	log.Println("Database migration completed successfully")
}

// Seed loads an initial participant roster. Skipped when data is already
// present.
func (d *Directory) Seed() {
	var agentCount int64
	d.db.Model(&models.Agent{}).Count(&agentCount)

	if agentCount > 0 {
		log.Println("Seed data already exists, skipping...")
		return
	}

	log.Println("Seeding database with initial data...")

	agents := []models.Agent{
		{Badge: "B-1001", Name: "Elena Vasquez", Job: models.JobDetective, Office: "Central"},
		{Badge: "B-1002", Name: "Marcus Cole", Job: models.JobOfficer, Office: "Central"},
		{Badge: "B-1003", Name: "Priya Raman", Job: models.JobOfficer, Office: "Harbor"},
		{Badge: "B-1004", Name: "Tomasz Nowak", Job: models.JobDetective, Office: "Harbor"},
		{Badge: "B-2001", Name: "Ingrid Holm", Job: models.JobForensic, Office: "Central"},
	}
	for _, agent := range agents {
		if err := d.db.Create(&agent).Error; err != nil {
			log.Printf("Error creating agent %s: %v", agent.Badge, err)
		}
	}

	deposits := []models.Deposit{
		{ID: "DEP-01", Office: "Central"},
		{ID: "DEP-02", Office: "Harbor"},
	}
	for _, deposit := range deposits {
		if err := d.db.Create(&deposit).Error; err != nil {
			log.Printf("Error creating deposit %s: %v", deposit.ID, err)
		}
	}

	staff := []models.Staff{
		{ID: "STF-001", Name: "Aiko Tanaka", Role: models.RoleAdmin},
		{ID: "STF-002", Name: "Ruben Castillo", Role: models.RoleAcquisitor},
		{ID: "STF-003", Name: "Nadia Petrova", Role: models.RoleAnalyst},
		{ID: "STF-004", Name: "Oscar Lindqvist", Role: models.RoleAnalyst},
		{ID: "STF-005", Name: "Wei Zhang", Role: models.RoleAdvancedAnalyst},
		{ID: "STF-006", Name: "auto-pipeline", Role: models.RoleAuto},
	}
	for _, member := range staff {
		if err := d.db.Create(&member).Error; err != nil {
			log.Printf("Error creating staff %s: %v", member.ID, err)
		}
	}

	log.Println("Database seeding completed successfully")
}

// wrapErr maps a gorm/pgx error to a ledger error. Record-not-found is not an
// error here; lookups report it with a nil result instead.
func wrapErr(operation string, err error) *ledger.Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &ledger.Error{
			Code:    ledger.CodeStoreError,
			Message: pgErr.Message,
			Detail:  pgErr.Code + ": " + pgErr.Detail,
		}
	}
	return ledger.Errf(ledger.CodeStoreError, "Directory lookup failed", "%s: %v", operation, err)
}

// GetAgent looks an agent up by badge number. Returns nil without error when
// no such agent exists.
func (d *Directory) GetAgent(badge string) (*models.Agent, *ledger.Error) {
	var agent models.Agent
	err := d.db.Where("badge = ?", badge).First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapErr("get agent", err)
	}
	return &agent, nil
}

// GetDeposit looks a deposit up by id. Returns nil without error when no such
// deposit exists.
func (d *Directory) GetDeposit(id string) (*models.Deposit, *ledger.Error) {
	var deposit models.Deposit
	err := d.db.Where("deposit_id = ?", id).First(&deposit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapErr("get deposit", err)
	}
	return &deposit, nil
}

// GetStaff looks a staff member up by id. Returns nil without error when no
// such member exists.
func (d *Directory) GetStaff(id string) (*models.Staff, *ledger.Error) {
	var member models.Staff
	err := d.db.Where("staff_id = ?", id).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapErr("get staff", err)
	}
	return &member, nil
}

// DepositByOffice returns the deposit serving an office. Each office has at
// most one deposit.
func (d *Directory) DepositByOffice(office string) (*models.Deposit, *ledger.Error) {
	var deposit models.Deposit
	err := d.db.Where("office = ?", office).First(&deposit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrapErr("deposit by office", err)
	}
	return &deposit, nil
}
