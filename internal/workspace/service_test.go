package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_CreateRejectsDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, testRecord(t, "/repo/proj", "feature-x")))

	svc := NewService(s, nil, factory.Deps{}, nil)
	_, err := svc.Create(ctx, CreateRequest{
		ProjectPath: "/repo/proj",
		Name:        "feature-x",
		Branch:      "feature-x",
		Runtime: runtime.Config{
			Kind:       runtime.KindLocal,
			SrcBaseDir: filepath.Join(t.TempDir(), "src"),
		},
	})
	assert.ErrorIs(t, err, runtime.ErrWorkspaceExists,
		"a second workspace with the same (project, name) must be rejected before provisioning")
}

func TestService_CreateRejectsInvalidRuntime(t *testing.T) {
	s := newTestStore(t)
	svc := NewService(s, nil, factory.Deps{}, nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		ProjectPath: "/repo/proj",
		Name:        "feature-x",
		Branch:      "feature-x",
		Runtime:     runtime.Config{Kind: runtime.KindLocal},
	})
	assert.Error(t, err)
}
