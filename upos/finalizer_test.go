package upos

import (
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCommitter struct {
	mock.Mock
}

func (m *mockCommitter) Commit(ctx context.Context, upload Upload, name string, parts []Part) error {
	args := m.Called(ctx, upload, name, parts)
	return args.Error(0)
}

func TestFinalizer_Finalize(t *testing.T) {
	upload := Upload{
		Session:    Session{ChunkSize: 4, UposURI: testUposURI},
		ID:         "upload-1",
		TotalSize:  10,
		ChunkCount: 3,
	}
	parts := []Part{
		{PartNumber: 3, ETag: "tag3"},
		{PartNumber: 1, ETag: "tag1"},
		{PartNumber: 2, ETag: "tag2"},
	}

	committer := new(mockCommitter)
	committer.On("Commit", mock.Anything, upload, "My Video.mp4", expectedParts(3)).Return(nil)

	result, err := NewFinalizer(committer, log.NewLogger()).Finalize(context.Background(), upload, "/videos/My Video.mp4", parts)
	require.NoError(t, err)

	committer.AssertExpectations(t)
	assert.Equal(t, Result{
		ObjectName: "n230101abc",
		Title:      "My Video",
		SourcePath: "/videos/My Video.mp4",
	}, result)
	assert.Equal(t, 3, parts[0].PartNumber, "input slice should not be reordered")
}

func TestFinalizer_CommitError(t *testing.T) {
	upload := Upload{Session: Session{UposURI: testUposURI}, ChunkCount: 1}
	commitErr := errors.New("commit rejected")

	committer := new(mockCommitter)
	committer.On("Commit", mock.Anything, upload, "a.mp4", expectedParts(1)).Return(commitErr)

	_, err := NewFinalizer(committer, nil).Finalize(context.Background(), upload, "a.mp4", expectedParts(1))
	assert.ErrorIs(t, err, commitErr)
	committer.AssertExpectations(t)
}

func TestFinalizer_InvalidParts(t *testing.T) {
	tests := []struct {
		name  string
		count int
		parts []Part
	}{
		{name: "missing part", count: 3, parts: []Part{{PartNumber: 1}, {PartNumber: 2}}},
		{name: "extra part", count: 1, parts: []Part{{PartNumber: 1}, {PartNumber: 2}}},
		{name: "gap", count: 3, parts: []Part{{PartNumber: 1}, {PartNumber: 2}, {PartNumber: 4}}},
		{name: "duplicate", count: 3, parts: []Part{{PartNumber: 1}, {PartNumber: 2}, {PartNumber: 2}}},
		{name: "zero based", count: 2, parts: []Part{{PartNumber: 0}, {PartNumber: 1}}},
		{name: "no parts", count: 2, parts: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			committer := new(mockCommitter)
			upload := Upload{Session: Session{UposURI: testUposURI}, ChunkCount: tt.count}

			_, err := NewFinalizer(committer, log.NewLogger()).Finalize(context.Background(), upload, "a.mp4", tt.parts)
			assert.ErrorIs(t, err, ErrFatal)
			committer.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
