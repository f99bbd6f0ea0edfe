package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iclock "iclock-cloud/internal/iclock/domain"
)

func TestBiometricRepositoryKeysByFinger(t *testing.T) {
	ctx := context.Background()
	repo := NewBiometricRepository()
	require.NoError(t, repo.Insert(ctx, &iclock.BiometricRecord{EmployeeID: "e1", Type: iclock.BiometricFingerprint, FingerIndex: 1, Template: "a"}))
	require.NoError(t, repo.Insert(ctx, &iclock.BiometricRecord{EmployeeID: "e1", Type: iclock.BiometricFingerprint, FingerIndex: 2, Template: "b"}))
	assert.Equal(t, 2, repo.Len())

	found, err := repo.Find(ctx, "e1", iclock.BiometricFingerprint, 2)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "b", found.Template)
	assert.NotEmpty(t, found.ID)

	missing, err := repo.Find(ctx, "e1", iclock.BiometricFace, 0)
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = repo.Update(ctx, &iclock.BiometricRecord{EmployeeID: "e2", Type: iclock.BiometricFace})
	assert.ErrorIs(t, err, errBiometricNotFound)
}

func TestDirectoryAndRegistryMisses(t *testing.T) {
	ctx := context.Background()
	dir := NewEmployeeDirectory(iclock.Employee{ID: "e1", PIN: "17"})
	e, err := dir.FindByPIN(ctx, "17")
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	e, err = dir.FindByPIN(ctx, "18")
	require.NoError(t, err)
	assert.Nil(t, e)

	reg := NewDeviceRegistry(iclock.Device{ID: "d1", Identifier: "SN1"})
	d, err := reg.FindBySerial(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	d, err = reg.FindBySerial(ctx, "SN2")
	require.NoError(t, err)
	assert.Nil(t, d)
}
