package unit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/awels/mcp-pdf-processor/internal/security"
	"github.com/awels/mcp-pdf-processor/tests/testutils"
)

// installPolicy builds an access policy from the given lists and restores
// the disabled default when the test ends.
func installPolicy(t *testing.T, allowed, denied string) {
	t.Helper()
	logger := testutils.CreateTestLogger()
	// Registered before t.Setenv, so it runs after the env restore and
	// rebuilds the no-policy default.
	t.Cleanup(func() {
		if err := security.InitGlobalManager(logger); err != nil {
			t.Errorf("failed to reset access policy: %v", err)
		}
	})
	t.Setenv(security.AllowedDirsEnvVar, allowed)
	t.Setenv(security.DeniedPathsEnvVar, denied)
	if err := security.InitGlobalManager(logger); err != nil {
		t.Fatalf("failed to install access policy: %v", err)
	}
}

// policyTempDir returns a t.TempDir() with symlinks resolved so it
// compares cleanly against the policy's resolved paths.
func policyTempDir(t *testing.T) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	return resolved
}

func TestSecurity_DisabledByDefault(t *testing.T) {
	installPolicy(t, "", "")

	testutils.AssertFalse(t, security.Enabled())
	testutils.AssertNoError(t, security.CheckFileAccess("/etc/passwd"))
	testutils.AssertNoError(t, security.CheckFileAccess("/anywhere/at/all"))
}

func TestSecurity_AllowedDirs(t *testing.T) {
	allowed := policyTempDir(t)
	outside := policyTempDir(t)
	installPolicy(t, allowed, "")

	testutils.AssertTrue(t, security.Enabled())
	testutils.AssertNoError(t, security.CheckFileAccess(allowed))
	testutils.AssertNoError(t, security.CheckFileAccess(filepath.Join(allowed, "sub", "doc.pdf")))

	err := security.CheckFileAccess(outside)
	testutils.AssertErrorContains(t, err, "outside the allowed directories")
}

func TestSecurity_DeniedBeatsAllowed(t *testing.T) {
	allowed := policyTempDir(t)
	deniedSub := filepath.Join(allowed, "private")
	if err := os.MkdirAll(deniedSub, 0755); err != nil {
		t.Fatalf("failed to create denied subdirectory: %v", err)
	}
	installPolicy(t, allowed, deniedSub)

	testutils.AssertNoError(t, security.CheckFileAccess(filepath.Join(allowed, "public.pdf")))

	err := security.CheckFileAccess(filepath.Join(deniedSub, "secret.pdf"))
	testutils.AssertErrorContains(t, err, "denied path")
}

func TestSecurity_DenyListOnly(t *testing.T) {
	denied := policyTempDir(t)
	installPolicy(t, "", denied)

	// With no allowed list, everything outside the denied paths passes.
	testutils.AssertNoError(t, security.CheckFileAccess(policyTempDir(t)))
	testutils.AssertErrorContains(t, security.CheckFileAccess(denied), "denied path")
}

func TestSecurity_MultipleAllowedRoots(t *testing.T) {
	first := policyTempDir(t)
	second := policyTempDir(t)
	installPolicy(t, first+":"+second, "")

	testutils.AssertNoError(t, security.CheckFileAccess(filepath.Join(first, "a.pdf")))
	testutils.AssertNoError(t, security.CheckFileAccess(filepath.Join(second, "b.pdf")))
}

// Output directories are policy-checked before they exist, so resolution
// must fall back to the nearest existing ancestor.
func TestSecurity_NonexistentPathResolvedViaAncestor(t *testing.T) {
	allowed := policyTempDir(t)
	installPolicy(t, allowed, "")

	testutils.AssertNoError(t, security.CheckFileAccess(filepath.Join(allowed, "not", "yet", "created")))

	err := security.CheckFileAccess("/definitely/not/existing/elsewhere")
	testutils.AssertErrorContains(t, err, "outside the allowed directories")
}

func TestSecurity_SymlinkResolvedBeforeCheck(t *testing.T) {
	allowed := policyTempDir(t)
	outside := policyTempDir(t)
	target := filepath.Join(outside, "real.pdf")
	if err := os.WriteFile(target, []byte("%PDF-1.4\n"), 0600); err != nil {
		t.Fatalf("failed to write target: %v", err)
	}
	link := filepath.Join(allowed, "escape.pdf")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}
	installPolicy(t, allowed, "")

	// The link sits inside the allowed root but its target does not.
	err := security.CheckFileAccess(link)
	testutils.AssertErrorContains(t, err, "outside the allowed directories")
}

func TestSecurity_PrefixIsPathAware(t *testing.T) {
	allowed := policyTempDir(t)
	sibling := allowed + "-sibling"
	if err := os.MkdirAll(sibling, 0755); err != nil {
		t.Fatalf("failed to create sibling dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sibling) })
	installPolicy(t, allowed, "")

	// A string-prefix match must not leak access to "/allowed-sibling".
	err := security.CheckFileAccess(filepath.Join(sibling, "doc.pdf"))
	testutils.AssertErrorContains(t, err, "outside the allowed directories")
}
