package repository

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"custodia/repository/models"
)

func newMockDirectory(t *testing.T) (*Directory, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return NewDirectoryWithDB(db), mock
}

func TestGetAgent(t *testing.T) {
	dir, mock := newMockDirectory(t)

	rows := sqlmock.NewRows([]string{"badge", "name", "job", "office"}).
		AddRow("B-1001", "Elena Vasquez", models.JobDetective, "Central")
	mock.ExpectQuery(`SELECT \* FROM "agents" WHERE badge = \$1`).
		WithArgs("B-1001", 1).
		WillReturnRows(rows)

	agent, lerr := dir.GetAgent("B-1001")
	require.Nil(t, lerr)
	require.NotNil(t, agent)
	assert.Equal(t, "Elena Vasquez", agent.Name)
	assert.Equal(t, models.JobDetective, agent.Job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAgentNotFound(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(`SELECT \* FROM "agents" WHERE badge = \$1`).
		WithArgs("B-9999", 1).
		WillReturnRows(sqlmock.NewRows([]string{"badge", "name", "job", "office"}))

	agent, lerr := dir.GetAgent("B-9999")
	require.Nil(t, lerr)
	assert.Nil(t, agent, "missing agents are not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStaff(t *testing.T) {
	dir, mock := newMockDirectory(t)

	rows := sqlmock.NewRows([]string{"staff_id", "name", "role"}).
		AddRow("STF-003", "Nadia Petrova", models.RoleAnalyst)
	mock.ExpectQuery(`SELECT \* FROM "staffs" WHERE staff_id = \$1`).
		WithArgs("STF-003", 1).
		WillReturnRows(rows)

	member, lerr := dir.GetStaff("STF-003")
	require.Nil(t, lerr)
	require.NotNil(t, member)
	assert.Equal(t, models.RoleAnalyst, member.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDepositByOffice(t *testing.T) {
	dir, mock := newMockDirectory(t)

	rows := sqlmock.NewRows([]string{"deposit_id", "office"}).
		AddRow("DEP-01", "Central")
	mock.ExpectQuery(`SELECT \* FROM "deposits" WHERE office = \$1`).
		WithArgs("Central", 1).
		WillReturnRows(rows)

	deposit, lerr := dir.DepositByOffice("Central")
	require.Nil(t, lerr)
	require.NotNil(t, deposit)
	assert.Equal(t, "DEP-01", deposit.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDepositByOfficeNotFound(t *testing.T) {
	dir, mock := newMockDirectory(t)

	mock.ExpectQuery(`SELECT \* FROM "deposits" WHERE office = \$1`).
		WithArgs("Nowhere", 1).
		WillReturnRows(sqlmock.NewRows([]string{"deposit_id", "office"}))

	deposit, lerr := dir.DepositByOffice("Nowhere")
	require.Nil(t, lerr)
	assert.Nil(t, deposit)
	assert.NoError(t, mock.ExpectationsWereMet())
}
