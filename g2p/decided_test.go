package g2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBetterRequest(t *testing.T) {
	tests := []struct {
		a, b Request
		want Request
	}{
		{ReqNone, ReqNone, ReqNone},
		{ReqAdd, ReqNone, ReqAdd},
		{ReqNone, ReqEdit, ReqEdit},
		{ReqEdit, ReqEdit, ReqEdit},
		{ReqAdd, ReqEdit, ReqEdit},
		{ReqEdit, ReqAdd, ReqEdit},
		{ReqCopy, ReqEdit, ReqCopy},
		{ReqEdit, ReqCopy, ReqCopy},
		{ReqMoveAdd, ReqAdd, ReqMoveAdd},
		{ReqMoveDelete, ReqDelete, ReqMoveDelete},
		{ReqLFSCopy, ReqEdit, ReqLFSCopy},
	}
	for _, tc := range tests {
		got, err := BetterRequest(tc.a, tc.b)
		assert.NoError(t, err, "%s + %s", tc.a, tc.b)
		assert.Equal(t, tc.want, got, "%s + %s", tc.a, tc.b)
	}
}

func TestBetterRequestIllegal(t *testing.T) {
	for _, tc := range []struct{ a, b Request }{
		{ReqAdd, ReqDelete},
		{ReqDelete, ReqEdit},
	} {
		_, err := BetterRequest(tc.a, tc.b)
		assert.Error(t, err, "%s + %s", tc.a, tc.b)
	}
}

func TestMaxRequest(t *testing.T) {
	tests := []struct {
		a, b Request
		want Request
	}{
		{ReqNone, ReqAdd, ReqAdd},
		{ReqEdit, ReqNone, ReqEdit},
		{ReqDelete, ReqDelete, ReqDelete},
		{ReqAdd, ReqEdit, ReqEdit},
		{ReqCopy, ReqAdd, ReqCopy},
		{ReqEdit, ReqMoveAdd, ReqMoveAdd},
	}
	for _, tc := range tests {
		got, err := MaxRequest(tc.a, tc.b)
		assert.NoError(t, err, "%s + %s", tc.a, tc.b)
		assert.Equal(t, tc.want, got, "%s + %s", tc.a, tc.b)
	}
}

func TestMaxRequestDeleteConflicts(t *testing.T) {
	for _, tc := range []struct{ a, b Request }{
		{ReqDelete, ReqAdd},
		{ReqEdit, ReqDelete},
		{ReqDelete, ReqCopy},
	} {
		_, err := MaxRequest(tc.a, tc.b)
		assert.Error(t, err, "%s + %s", tc.a, tc.b)
	}
}

func TestNewIntegDecided(t *testing.T) {
	d, err := NewIntegDecided("-b", "-at", PolicyFallback, ReqEdit)
	assert.NoError(t, err)
	assert.True(t, d.HasInteg)
	assert.Equal(t, "-b", d.IntegFlags)
	assert.Equal(t, "-at", d.ResolveFlags)
	assert.Equal(t, PolicyFallback, d.OnIntegFailure)
	assert.Equal(t, ReqEdit, d.IntegFallback)
	assert.True(t, d.HasP4Action())

	// FALLBACK without a fallback request is a construction error.
	_, err = NewIntegDecided("-b", "-at", PolicyFallback, ReqNone)
	assert.Error(t, err)

	// Empty resolve flags would go interactive.
	_, err = NewIntegDecided("-b", "", PolicyNOP, ReqNone)
	assert.Error(t, err)
}

func TestAddGitAction(t *testing.T) {
	var d Decided
	assert.NoError(t, d.AddGitAction("A"))
	assert.Equal(t, ReqAdd, d.P4Request)
	assert.NoError(t, d.AddGitAction("M"))
	assert.Equal(t, ReqEdit, d.P4Request)
	assert.NoError(t, d.AddGitAction("T"))
	assert.Equal(t, ReqEdit, d.P4Request)
	assert.NoError(t, d.AddGitAction("Rs"))
	assert.Equal(t, ReqMoveDelete, d.P4Request)
	assert.Error(t, d.AddGitAction("X"))

	empty := Decided{}
	assert.False(t, empty.HasP4Action())
}
