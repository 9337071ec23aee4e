package builtins_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/luabox/luabox/internal/builtins"
	"github.com/luabox/luabox/internal/sandbox"
)

// fsState binds the fs builtin against a policy confined to dir.
func fsState(t *testing.T, policy sandbox.Policy) (*lua.LState, *sandbox.Manager) {
	t.Helper()
	guard := sandbox.NewManager(policy, sandbox.NewMapEnv(nil), zap.NewNop(), nil)
	c := builtins.Default(guard)

	L := lua.NewState()
	t.Cleanup(L.Close)
	v, err := c.Load(L, "fs")
	require.NoError(t, err)
	L.SetGlobal("fs", v)
	return L, guard
}

func grantAll(dir string) sandbox.Policy {
	p := sandbox.DefaultPolicy()
	p.File.Read = true
	p.File.Write = true
	p.File.Append = true
	p.File.AllowedPaths = []string{dir}
	return p
}

func TestFS_ReadWriteAppend(t *testing.T) {
	dir := t.TempDir()
	L, _ := fsState(t, grantAll(dir))
	path := filepath.Join(dir, "out.txt")

	err := L.DoString(`
		assert(fs.write("` + path + `", "one"))
		assert(fs.append("` + path + `", " two"))
		assert(fs.read("` + path + `") == "one two")
		assert(fs.exists("` + path + `"))
		assert(fs.size("` + path + `") == 7)
		assert(not fs.exists("` + filepath.Join(dir, "ghost.txt") + `"))
	`)
	assert.NoError(t, err)
}

func TestFS_ReadBytes(t *testing.T) {
	dir := t.TempDir()
	L, _ := fsState(t, grantAll(dir))
	path := filepath.Join(dir, "bin.dat")
	require.NoError(t, os.WriteFile(path, []byte{0x41, 0x00, 0xFF}, 0o644))

	err := L.DoString(`
		local bytes = fs.read_bytes("` + path + `")
		assert(#bytes == 3)
		assert(bytes[1] == 65)
		assert(bytes[2] == 0)
		assert(bytes[3] == 255)
	`)
	assert.NoError(t, err)
}

func TestFS_DeniedReadRaisesAndRecords(t *testing.T) {
	dir := t.TempDir()
	policy := grantAll(dir)
	policy.File.DeniedPaths = []string{filepath.Join(dir, "vault")}
	L, guard := fsState(t, policy)

	secret := filepath.Join(dir, "vault", "key")
	require.NoError(t, os.MkdirAll(filepath.Dir(secret), 0o755))
	require.NoError(t, os.WriteFile(secret, []byte("shh"), 0o644))

	err := L.DoString(`fs.read("` + secret + `")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Len(t, guard.Violations(), 1)
}

func TestFS_NoGrantsDeniesEverything(t *testing.T) {
	L, guard := fsState(t, sandbox.DefaultPolicy())
	err := L.DoString(`fs.read("/tmp/anything")`)
	require.Error(t, err)
	assert.NotEmpty(t, guard.Violations())
}

func TestFS_SizeCeilingBlocksLargeRead(t *testing.T) {
	dir := t.TempDir()
	policy := grantAll(dir)
	policy.File.MaxFileSize = 4
	L, guard := fsState(t, policy)

	big := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(big, []byte("too large"), 0o644))

	err := L.DoString(`fs.read("` + big + `")`)
	require.Error(t, err)
	assert.Len(t, guard.Violations(), 1)
}

func TestFS_SizeCeilingBlocksLargeWrite(t *testing.T) {
	dir := t.TempDir()
	policy := grantAll(dir)
	policy.File.MaxFileSize = 4
	L, _ := fsState(t, policy)

	path := filepath.Join(dir, "w.txt")
	err := L.DoString(`fs.write("` + path + `", "exceeds the ceiling")`)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "denied write must not create the file")
}

func TestFS_MissingFileReadReturnsNilError(t *testing.T) {
	dir := t.TempDir()
	L, _ := fsState(t, grantAll(dir))
	err := L.DoString(`
		local content, err = fs.read("` + filepath.Join(dir, "absent") + `")
		assert(content == nil)
		assert(err ~= nil)
	`)
	assert.NoError(t, err)
}
