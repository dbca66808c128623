package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func withVars(t *testing.T, v, commit, branch, buildTime string) {
	t.Helper()
	origV, origC, origB, origT := Version, GitCommit, GitBranch, BuildTime
	Version, GitCommit, GitBranch, BuildTime = v, commit, branch, buildTime
	t.Cleanup(func() {
		Version, GitCommit, GitBranch, BuildTime = origV, origC, origB, origT
	})
}

func TestGetCurrentVersion_DevAndDemoUseDevVersion(t *testing.T) {
	origDev := DevVersion
	DevVersion = "0.0.0-dev"
	t.Cleanup(func() { DevVersion = origDev })

	assert.Equal(t, DevVersion, GetCurrentVersion("dev"))
	assert.Equal(t, DevVersion, GetCurrentVersion("demo"))
}

func TestGetCurrentVersion_ProdUsesVersion(t *testing.T) {
	withVars(t, "1.2.3", "unknown", "unknown", "unknown")
	assert.Equal(t, "1.2.3", GetCurrentVersion("prod"))
}

func TestString_AppendsShortCommitWhenKnown(t *testing.T) {
	withVars(t, "1.2.3", "abcdef1234567890", "unknown", "unknown")
	assert.Equal(t, "1.2.3-abcdef12", String())
}

func TestString_OmitsCommitWhenUnknown(t *testing.T) {
	withVars(t, "1.2.3", "unknown", "unknown", "unknown")
	assert.Equal(t, "1.2.3", String())
}

func TestStringFull_IncludesAllKnownFields(t *testing.T) {
	withVars(t, "1.2.3", "abcdef1234567890", "main", "2026-07-30T00:00:00Z")
	full := StringFull()
	assert.Contains(t, full, "Version=1.2.3")
	assert.Contains(t, full, "Commit=abcdef12")
	assert.Contains(t, full, "Branch=main")
	assert.Contains(t, full, "BuildTime=2026-07-30T00:00:00Z")
}

func TestStringFull_OmitsUnknownFields(t *testing.T) {
	withVars(t, "1.2.3", "unknown", "unknown", "unknown")
	assert.Equal(t, "Version=1.2.3", StringFull())
}

func TestIsVersionGreaterOrEqualThan(t *testing.T) {
	assert.True(t, IsVersionGreaterOrEqualThan("1.2.3", "1.2.0"))
	assert.True(t, IsVersionGreaterOrEqualThan("1.2.0", "1.2.0"))
	assert.False(t, IsVersionGreaterOrEqualThan("1.1.0", "1.2.0"))
}
