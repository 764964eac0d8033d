package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
)

func auditRecord(seq int64) pipeline.AuditRecord {
	return pipeline.AuditRecord{
		Seq:               seq,
		MessageName:       "Create",
		Stage:             pipeline.StagePreoperation,
		Mode:              pipeline.ModeSynchronous,
		PluginType:        fmt.Sprintf("testplugins.Plugin%d", seq),
		StepID:            uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", seq)),
		EntityLogicalName: "account",
		Depth:             1,
	}
}

func TestAuditLog_AppendAndQuery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := s.AuditLog()

	failed := auditRecord(2)
	failed.Stage = pipeline.StagePostoperation
	failed.Mode = pipeline.ModeAsynchronous
	failed.Failed = true
	failed.Depth = 2

	require.NoError(t, log.Append(ctx, auditRecord(1)))
	require.NoError(t, log.Append(ctx, failed))

	records, err := pipeline.CollectAudit(ctx, log)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.AuditRecord{auditRecord(1), failed}, records)
}

func TestAuditLog_EmptyIsNotAnError(t *testing.T) {
	s := createTestStore(t)
	records, err := pipeline.CollectAudit(context.Background(), s.AuditLog())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAuditLog_AppendRejectsTakenSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := s.AuditLog()

	first := auditRecord(1)
	require.NoError(t, log.Append(ctx, first))
	dup := auditRecord(1)
	dup.PluginType = "other"
	require.ErrorIs(t, log.Append(ctx, dup), ErrAuditSeqTaken)

	records, err := pipeline.CollectAudit(ctx, log)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, first.PluginType, records[0].PluginType)
}

func TestAuditLog_AppendNextAllocatesSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := s.AuditLog()

	require.NoError(t, log.Append(ctx, auditRecord(5)))

	seq, err := log.AppendNext(ctx, auditRecord(1))
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)

	records, err := pipeline.CollectAudit(ctx, log)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(6), records[1].Seq)
	assert.Equal(t, "testplugins.Plugin1", records[1].PluginType)
}

func TestAuditLog_AppendNextAcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	var seqs []int64
	for i := range 6 {
		log := a.AuditLog()
		if i%2 == 1 {
			log = b.AuditLog()
		}
		seq, err := log.AppendNext(ctx, auditRecord(1))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seqs)

	records, err := pipeline.CollectAudit(ctx, b.AuditLog())
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestAuditLog_QueryIsSnapshotOrderedAndRestartable(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := s.AuditLog()

	// Appended out of seq order; reads come back in seq order.
	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, log.Append(ctx, auditRecord(seq)))
	}

	seq, err := log.Query(ctx)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, auditRecord(4)))

	for range 2 {
		var got []int64
		for rec, err := range seq {
			require.NoError(t, err)
			got = append(got, rec.Seq)
		}
		assert.Equal(t, []int64{1, 2, 3}, got)
	}
}

func TestAuditLog_QuerySpansPages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := s.AuditLog()

	total := auditPageSize*2 + 7
	for i := 1; i <= total; i++ {
		require.NoError(t, log.Append(ctx, auditRecord(int64(i))))
	}

	seq, err := log.Query(ctx)
	require.NoError(t, err)

	n := int64(0)
	for rec, err := range seq {
		require.NoError(t, err)
		n++
		assert.Equal(t, n, rec.Seq)
		// The connection is free between pages.
		if n == auditPageSize {
			_, err := s.AuditLog().MaxSeq(ctx)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, int64(total), n)
}

func TestAuditLog_MaxSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	log := s.AuditLog()

	seq, err := log.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, log.Append(ctx, auditRecord(41)))
	seq, err = log.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(41), seq)
}
