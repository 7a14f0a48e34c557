package backupset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/idnt-devops/virtnbdbackup/internal/checkpoint"
)

func TestDataFileNameMatchesSpecNamingConvention(t *testing.T) {
	require.Equal(t, filepath.Join("/out", "sda.full.full.data"), DataFileName("/out", "sda", checkpoint.LevelFull, "full"))
	require.Equal(t, filepath.Join("/out", "sda.inc.virtnbdbackup.1.data"), DataFileName("/out", "sda", checkpoint.LevelInc, "virtnbdbackup.1"))
	require.Equal(t, filepath.Join("/out", "sda.diff.1700000000.data"), DataFileName("/out", "sda", checkpoint.LevelDiff, "1700000000"))
}

func TestPartialNameAppendsSuffix(t *testing.T) {
	require.Equal(t, "/out/sda.full.full.data.partial", PartialName("/out/sda.full.full.data"))
}

func TestFinalizeRenameMovesFileIntoPlace(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "sda.full.full.data.partial")
	final := filepath.Join(dir, "sda.full.full.data")
	require.NoError(t, os.WriteFile(partial, []byte("data"), 0o644))

	require.NoError(t, FinalizeRename(partial, final))

	_, err := os.Stat(partial)
	require.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}

// TestRequirePartialAbsentDetectsLeftoverFile covers spec.md §8 invariant 9:
// an interrupted run's .partial file must block a subsequent inc/diff start.
func TestRequirePartialAbsentDetectsLeftoverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, RequirePartialAbsent(dir, "sda"))

	partial := filepath.Join(dir, "sda.inc.virtnbdbackup.1.data.partial")
	require.NoError(t, os.WriteFile(partial, []byte("x"), 0o644))

	err := RequirePartialAbsent(dir, "sda")
	require.Error(t, err)

	// a different disk target is unaffected
	require.NoError(t, RequirePartialAbsent(dir, "sdb"))
}

func TestWriteFileAtomicallyCreatesParentAndNoPartialLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints", "virtnbdbackup.0.xml")

	require.NoError(t, WriteFileAtomically(path, []byte("<xml/>")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "<xml/>", string(got))

	_, err = os.Stat(path + ".partial")
	require.True(t, os.IsNotExist(err))
}

func TestVMConfigAndCheckpointXMLPaths(t *testing.T) {
	require.Equal(t, filepath.Join("/out", "vmconfig.abc.xml"), VMConfigPath("/out", "abc"))
	require.Equal(t, filepath.Join("/out", "checkpoints", "virtnbdbackup.0.xml"), CheckpointXMLPath("/out", "virtnbdbackup.0"))
}
