package middleware

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/store"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

func crudOnly(t *testing.T) *FakedContext {
	t.Helper()
	fc, err := New().AddCrud().UseCrud().Build()
	require.NoError(t, err)
	t.Cleanup(func() { fc.Close() })
	return fc
}

func TestCrud_CreateAssignsAndWritesBackID(t *testing.T) {
	fixed := uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
	fc, err := New().
		AddCrud().
		AddIDGenerator(func() uuid.UUID { return fixed }).
		UseCrud().
		Build()
	require.NoError(t, err)
	defer fc.Close()

	account := someAccount()
	id, err := fc.Create(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, fixed, id)
	assert.Equal(t, fixed, account.ID)
}

func TestCrud_CreateKeepsGivenID(t *testing.T) {
	fc := crudOnly(t)
	account := someAccount()
	account.ID = uuid.New()

	id, err := fc.Create(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, account.ID, id)

	_, err = fc.Create(context.Background(), account)
	assert.ErrorIs(t, err, store.ErrEntityExists)
}

func TestCrud_RetrieveProjectsColumns(t *testing.T) {
	ctx := context.Background()
	fc := crudOnly(t)
	account := someAccount().Set("revenue", xrm.Money(100))
	require.NoError(t, fc.Initialize(ctx, account))

	resp, err := fc.Execute(ctx, &xrm.RetrieveRequest{Target: account.ToReference(), Columns: []string{"name"}})
	require.NoError(t, err)

	retrieved := resp.(xrm.RetrieveResponse).Entity
	assert.Equal(t, "Some name", retrieved.GetString("name"))
	assert.False(t, retrieved.Contains("revenue"))
}

func TestCrud_UpdateMergesAttributes(t *testing.T) {
	ctx := context.Background()
	fc := crudOnly(t)
	account := someAccount().Set("revenue", xrm.Money(100))
	require.NoError(t, fc.Initialize(ctx, account))

	update := &xrm.Entity{LogicalName: "account", ID: account.ID}
	update.Set("revenue", xrm.Money(200))
	require.NoError(t, fc.Update(ctx, update))

	stored, err := fc.GetEntityByID(ctx, "account", account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Some name", stored.GetString("name"))
	revenue, _ := stored.Get("revenue")
	assert.Equal(t, xrm.Money(200), revenue)
}

func TestCrud_DeleteMissing(t *testing.T) {
	fc := crudOnly(t)
	err := fc.Delete(context.Background(), xrm.EntityReference{LogicalName: "account", ID: uuid.New()})
	assert.ErrorIs(t, err, xrm.ErrEntityNotFound)
}

func TestCrud_InvalidRequests(t *testing.T) {
	fc := crudOnly(t)
	ctx := context.Background()

	_, err := fc.Execute(ctx, &xrm.CreateRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = fc.Execute(ctx, &xrm.UpdateRequest{Target: xrm.NewEntity("account")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = fc.Execute(ctx, &xrm.DeleteRequest{Target: xrm.EntityReference{LogicalName: "account"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = fc.Execute(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCrud_NoStore(t *testing.T) {
	fc, err := New().UseCrud().Build()
	require.NoError(t, err)

	_, err = fc.Create(context.Background(), someAccount())
	assert.ErrorIs(t, err, ErrNoStore)
	assert.ErrorIs(t, fc.Initialize(context.Background(), someAccount()), ErrNoStore)
}

func TestBuilder_UnhandledRequest(t *testing.T) {
	fc := crudOnly(t)
	_, err := fc.Execute(context.Background(), &xrm.OrganizationRequest{Name: "Unknown"})
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestBuilder_AddCrudWithStoreLeavesStoreOpen(t *testing.T) {
	s, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	fc, err := New().AddCrudWithStore(s).UseCrud().Build()
	require.NoError(t, err)
	require.NoError(t, fc.Close())

	_, err = s.ListEntities(context.Background(), "account")
	assert.NoError(t, err)
}
