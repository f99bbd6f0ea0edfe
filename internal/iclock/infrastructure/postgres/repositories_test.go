package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iclock "iclock-cloud/internal/iclock/domain"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestEmployeeDirectoryFindByPIN(t *testing.T) {
	db, mock := newMock(t)
	dir := NewEmployeeDirectory(db)

	mock.ExpectQuery(`SELECT uuid, pin\s+FROM hr\.employee`).
		WithArgs("17").
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "pin"}).AddRow("emp-17", "17"))
	employee, err := dir.FindByPIN(context.Background(), " 17 ")
	require.NoError(t, err)
	require.NotNil(t, employee)
	assert.Equal(t, "emp-17", employee.ID)

	mock.ExpectQuery(`FROM hr\.employee`).WithArgs("99").WillReturnError(sql.ErrNoRows)
	employee, err = dir.FindByPIN(context.Background(), "99")
	require.NoError(t, err)
	assert.Nil(t, employee)

	employee, err = dir.FindByPIN(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, employee)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceRegistryCustomTable(t *testing.T) {
	db, mock := newMock(t)
	registry := NewDeviceRegistry(db, WithDeviceTable("public.terminals"))
	assert.Equal(t, "public.terminals", registry.Table())
	assert.Equal(t, "public.templates", NewBiometricRepository(db, WithBiometricTable("public.templates")).Table())
	assert.Equal(t, defaultBiometricTable, NewBiometricRepository(db, WithBiometricTable("")).Table())

	mock.ExpectQuery(`FROM public\.terminals\s+WHERE identifier::text = \$1`).
		WithArgs("SN1").
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "identifier"}).AddRow("dev-1", "SN1"))
	device, err := registry.FindBySerial(context.Background(), "SN1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, "dev-1", device.ID)

	_, err = registry.FindBySerial(context.Background(), " ")
	require.Error(t, err)

	mock.ExpectQuery(`ORDER BY identifier ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "identifier"}).AddRow("dev-1", "SN1").AddRow("dev-2", "SN2"))
	devices, err := registry.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPunchLogRepositoryInsertsOneStatement(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPunchLogRepository(db)
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO hr\.punch_log \(uuid, employee_uuid, device_list_uuid, punch_type, punch_time\)`).
		WithArgs("p-1", "emp-17", "dev-1", "fingerprint", at, sqlmock.AnyArg(), "emp-18", "dev-1", "rfid", at).
		WillReturnResult(sqlmock.NewResult(0, 2))

	stored, err := repo.InsertPunches(context.Background(), []iclock.AttendanceLogEntry{
		{ID: "p-1", EmployeeID: "emp-17", DeviceID: "dev-1", PunchType: iclock.PunchFingerprint, PunchTime: at},
		{EmployeeID: "emp-18", DeviceID: "dev-1", PunchType: iclock.PunchRFID, PunchTime: at},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	stored, err = repo.InsertPunches(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stored)

	_, err = repo.InsertPunches(context.Background(), []iclock.AttendanceLogEntry{{EmployeeID: "emp-17"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPunchLogRepositoryBatchesAndKeepsGoing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPunchLogRepository(db, WithPunchBatchSize(2))
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)

	entries := make([]iclock.AttendanceLogEntry, 5)
	for i := range entries {
		entries[i] = iclock.AttendanceLogEntry{EmployeeID: "emp-17", DeviceID: "dev-1", PunchType: iclock.PunchFingerprint, PunchTime: at.Add(time.Duration(i) * time.Minute)}
	}
	entries = append(entries, iclock.AttendanceLogEntry{EmployeeID: "emp-18"})

	mock.ExpectExec(`INSERT INTO hr\.punch_log`).
		WithArgs(sqlmock.AnyArg(), "emp-17", "dev-1", "fingerprint", at, sqlmock.AnyArg(), "emp-17", "dev-1", "fingerprint", at.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO hr\.punch_log`).
		WithArgs(sqlmock.AnyArg(), "emp-17", "dev-1", "fingerprint", at.Add(2*time.Minute), sqlmock.AnyArg(), "emp-17", "dev-1", "fingerprint", at.Add(3*time.Minute)).
		WillReturnError(errors.New("value too long"))
	mock.ExpectExec(`INSERT INTO hr\.punch_log`).
		WithArgs(sqlmock.AnyArg(), "emp-17", "dev-1", "fingerprint", at.Add(4*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stored, err := repo.InsertPunches(context.Background(), entries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value too long")
	assert.Contains(t, err.Error(), "entry 5")
	assert.Equal(t, 3, stored)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPunchLogRepositoryDefaultBatchStaysUnderParameterLimit(t *testing.T) {
	assert.LessOrEqual(t, DefaultPunchBatchSize*5, 65535)
	repo := NewPunchLogRepository(nil, WithPunchBatchSize(0))
	assert.Equal(t, DefaultPunchBatchSize, repo.batchSize)
}

func TestBiometricRepositoryFind(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBiometricRepository(db)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	columns := []string{"uuid", "employee_uuid", "biometric_type", "finger_index", "template", "remarks", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM hr\.employee_biometric\s+WHERE employee_uuid = \$1 AND biometric_type = \$2 AND finger_index = \$3`).
		WithArgs("emp-17", "fingerprint", 3).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("bio-1", "emp-17", "fingerprint", 3, "TPL", nil, created, nil))

	record, err := repo.Find(context.Background(), "emp-17", iclock.BiometricFingerprint, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 3, record.FingerIndex)
	assert.Equal(t, iclock.HashTemplate("TPL"), record.ContentHash)
	assert.True(t, record.UpdatedAt.IsZero())

	mock.ExpectQuery(`FROM hr\.employee_biometric`).
		WithArgs("emp-17", "face", 0).
		WillReturnRows(sqlmock.NewRows(columns))
	record, err = repo.Find(context.Background(), "emp-17", iclock.BiometricFace, 0)
	require.NoError(t, err)
	assert.Nil(t, record)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBiometricRepositoryInsertAndUpdate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBiometricRepository(db)
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO hr\.employee_biometric`).
		WithArgs(sqlmock.AnyArg(), "emp-17", "TPL", "face", 0, now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	record := &iclock.BiometricRecord{EmployeeID: "emp-17", Type: iclock.BiometricFace, Template: "TPL", CreatedAt: now}
	require.NoError(t, repo.Insert(context.Background(), record))
	assert.NotEmpty(t, record.ID)

	mock.ExpectExec(`UPDATE hr\.employee_biometric\s+SET template = \$2`).
		WithArgs(record.ID, "TPL2", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	record.Template = "TPL2"
	record.UpdatedAt = now
	require.NoError(t, repo.Update(context.Background(), record))

	mock.ExpectExec(`UPDATE hr\.employee_biometric`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.Error(t, repo.Update(context.Background(), record))

	require.Error(t, repo.Update(context.Background(), &iclock.BiometricRecord{}))
	require.NoError(t, mock.ExpectationsWereMet())
}
