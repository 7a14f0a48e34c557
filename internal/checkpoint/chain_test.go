package checkpoint

import (
	"errors"
	"testing"

	"github.com/idnt-devops/virtnbdbackup/internal/vnbderrors"
	"github.com/stretchr/testify/require"
)

func TestChainAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")

	names, err := c.Read()
	require.NoError(t, err)
	require.Empty(t, names)

	require.NoError(t, c.Append("virtnbdbackup.0"))
	require.NoError(t, c.Append("virtnbdbackup.1"))

	names, err = c.Read()
	require.NoError(t, err)
	require.Equal(t, []string{"virtnbdbackup.0", "virtnbdbackup.1"}, names)
}

func TestChainAppendRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")
	require.NoError(t, c.Append("virtnbdbackup.0"))
	require.Error(t, c.Append("virtnbdbackup.0"))
}

func TestChainRemoveAllWipesForNextFull(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")
	require.NoError(t, c.Append("virtnbdbackup.0"))
	require.NoError(t, c.RemoveAll())

	names, err := c.Read()
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestParentForIncEmptyChainFails(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")
	_, _, err := c.ParentFor(LevelInc, "virtnbdbackup", false)
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrNoCheckpoints))
}

func TestParentForIncNamesAndParentsSequentially(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")
	require.NoError(t, c.Append("virtnbdbackup.0"))

	name, parent, err := c.ParentFor(LevelInc, "virtnbdbackup", false)
	require.NoError(t, err)
	require.Equal(t, "virtnbdbackup.1", name)
	require.Equal(t, "virtnbdbackup.0", *parent)
}

func TestParentForFullHasNoParent(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")
	require.NoError(t, c.Append("virtnbdbackup.0"))

	name, parent, err := c.ParentFor(LevelFull, "virtnbdbackup", false)
	require.NoError(t, err)
	require.Empty(t, name)
	require.Nil(t, parent)
}

func TestParentForDiffOfflineReusesLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "mydomain")
	require.NoError(t, c.Append("virtnbdbackup.0"))

	name, parent, err := c.ParentFor(LevelDiff, "virtnbdbackup", false)
	require.NoError(t, err)
	require.Equal(t, "virtnbdbackup.0", name)
	require.Equal(t, "virtnbdbackup.0", *parent)

	// diff never appends to the chain
	names, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, []string{"virtnbdbackup.0"}, names)
}

func TestValidateForeignRejectsUnknownPrefix(t *testing.T) {
	host := []string{"virtnbdbackup.0", "virtnbdbackup.1", "someoneElse"}
	err := ValidateForeign(host, "virtnbdbackup")
	require.Error(t, err)
	require.True(t, errors.Is(err, vnbderrors.ErrForeignCheckpoint))
}

func TestValidateForeignAcceptsOwnPrefix(t *testing.T) {
	host := []string{"virtnbdbackup.0", "virtnbdbackup.1"}
	require.NoError(t, ValidateForeign(host, "virtnbdbackup"))
}

func TestStateLabel(t *testing.T) {
	require.Equal(t, "empty", State(nil))
	require.Equal(t, "extended_2", State([]string{"a", "b"}))
}
