package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkforge/chunkforge/internal/world"
	"github.com/chunkforge/chunkforge/pkg/chunkkey"
)

func editRequest(query string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/chunk/edit?"+query, nil)
}

func TestHandleEdit_RejectsBadParams(t *testing.T) {
	w := world.New(world.Config{Seed: 1, Radius: 4}, zerolog.Nop())
	h := handleEdit(w)

	tests := []struct {
		name  string
		query string
	}{
		{"non-numeric voxel coordinate", "x=0&y=0&z=0&vx=abc&vy=0&vz=0&block=1"},
		{"missing voxel coordinate", "x=0&y=0&z=0&vx=1&vz=0&block=1"},
		{"non-numeric block", "x=0&y=0&z=0&vx=1&vy=1&vz=1&block=stone"},
		{"bad chunk coordinate", "x=foo&y=0&z=0&vx=1&vy=1&vz=1&block=1"},
		{"voxel out of chunk", "x=0&y=0&z=0&vx=99&vy=0&vz=0&block=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, editRequest(tt.query))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	// No edit must have slipped through; the untouched chunk is still at
	// its generated version.
	assert.EqualValues(t, 1, w.CurrentVersion(chunkkey.FromCoords(0, 0, 0)))
}

func TestHandleEdit_AppliesEdit(t *testing.T) {
	w := world.New(world.Config{Seed: 1, Radius: 4}, zerolog.Nop())
	h := handleEdit(w)

	rec := httptest.NewRecorder()
	h(rec, editRequest("x=0&y=0&z=0&vx=3&vy=4&vz=5&block=2"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["version"])
	assert.EqualValues(t, 2, w.CurrentVersion(chunkkey.FromCoords(0, 0, 0)))
}
