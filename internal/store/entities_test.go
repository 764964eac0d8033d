package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

func testAccount(id uuid.UUID) *xrm.Entity {
	contact := xrm.Ref{LogicalName: "contact", ID: uuid.MustParse("00000000-0000-0000-0000-000000000009")}
	return &xrm.Entity{LogicalName: "account", ID: id, Attributes: xrm.Attributes{
		"name":             xrm.String("Contoso"),
		"revenue":          xrm.Money(150000),
		"industrycode":     xrm.OptionSet(3),
		"donotemail":       xrm.Bool(true),
		"numberofstaff":    xrm.Int(42),
		"primarycontactid": contact,
	}}
}

func TestCreateEntity_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())

	require.NoError(t, s.CreateEntity(ctx, account))

	got, err := s.GetEntityByID(ctx, "account", account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.LogicalName, got.LogicalName)
	assert.Equal(t, account.ID, got.ID)
	assert.True(t, account.Attributes.Equal(got.Attributes), "attributes: %v", got.Attributes)

	version, err := s.EntityVersion(ctx, account.ToReference())
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestCreateEntity_RequiresID(t *testing.T) {
	s := createTestStore(t)
	err := s.CreateEntity(context.Background(), xrm.NewEntity("account"))
	assert.ErrorContains(t, err, "id is required")
}

func TestCreateEntity_Duplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())

	require.NoError(t, s.CreateEntity(ctx, account))
	err := s.CreateEntity(ctx, account)
	require.ErrorIs(t, err, ErrEntityExists)
}

func TestGetEntityByID_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())
	require.NoError(t, s.CreateEntity(ctx, account))

	_, err := s.GetEntityByID(ctx, "account", uuid.New())
	require.ErrorIs(t, err, xrm.ErrEntityNotFound)

	// Same id under another logical name is a different record.
	_, err = s.GetEntityByID(ctx, "contact", account.ID)
	require.ErrorIs(t, err, xrm.ErrEntityNotFound)
}

func TestUpdateEntity_MergesAndBumpsVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())
	require.NoError(t, s.CreateEntity(ctx, account))

	before, err := s.SnapshotHash(ctx, account.ToReference())
	require.NoError(t, err)

	merged, err := s.UpdateEntity(ctx, &xrm.Entity{
		LogicalName: "account",
		ID:          account.ID,
		Attributes:  xrm.Attributes{"name": xrm.String("Fabrikam"), "telephone1": xrm.Null{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Fabrikam", merged.GetString("name"))
	assert.Equal(t, xrm.Money(150000), merged.Attributes["revenue"])

	stored, err := s.GetEntityByID(ctx, "account", account.ID)
	require.NoError(t, err)
	assert.True(t, merged.Attributes.Equal(stored.Attributes))
	assert.Equal(t, xrm.Null{}, stored.Attributes["telephone1"])

	version, err := s.EntityVersion(ctx, account.ToReference())
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	after, err := s.SnapshotHash(ctx, account.ToReference())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestUpdateEntity_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.UpdateEntity(context.Background(), &xrm.Entity{LogicalName: "account", ID: uuid.New()})
	require.ErrorIs(t, err, xrm.ErrEntityNotFound)
}

func TestDeleteEntity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())
	require.NoError(t, s.CreateEntity(ctx, account))

	require.NoError(t, s.DeleteEntity(ctx, account.ToReference()))
	_, err := s.GetEntityByID(ctx, "account", account.ID)
	require.ErrorIs(t, err, xrm.ErrEntityNotFound)

	err = s.DeleteEntity(ctx, account.ToReference())
	require.ErrorIs(t, err, xrm.ErrEntityNotFound)
}

func TestRetrieveEntity_ProjectsColumns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())
	require.NoError(t, s.CreateEntity(ctx, account))

	got, err := s.RetrieveEntity(ctx, account.ToReference(), []string{"name", "missing"})
	require.NoError(t, err)
	assert.Equal(t, xrm.Attributes{"name": xrm.String("Contoso")}, got.Attributes)

	all, err := s.RetrieveEntity(ctx, account.ToReference(), nil)
	require.NoError(t, err)
	assert.Len(t, all.Attributes, len(account.Attributes))
}

func TestListEntities_DeterministicOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ids := []uuid.UUID{
		uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		uuid.MustParse("00000000-0000-0000-0000-000000000002"),
	}
	for _, id := range ids {
		require.NoError(t, s.CreateEntity(ctx, testAccount(id)))
	}
	require.NoError(t, s.CreateEntity(ctx, &xrm.Entity{LogicalName: "contact", ID: uuid.New()}))

	list, err := s.ListEntities(ctx, "account")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[1], list[0].ID)
	assert.Equal(t, ids[2], list[1].ID)
	assert.Equal(t, ids[0], list[2].ID)

	empty, err := s.ListEntities(ctx, "lead")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSnapshotHash_MatchesCanonicalHash(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	account := testAccount(uuid.New())
	require.NoError(t, s.CreateEntity(ctx, account))

	stored, err := s.SnapshotHash(ctx, account.ToReference())
	require.NoError(t, err)
	want, err := xrm.SnapshotHash(account)
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}
