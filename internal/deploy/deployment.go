package deploy

import (
	"path/filepath"
	"strings"

	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

// Deployment selects what the manager installs and starts before it opens the
// gRPC tunnel. It is one of NoDeployment, SignedPackageDeployment or
// BareExecutableDeployment.
type Deployment interface {
	isDeployment()
}

// NoDeployment expects the service to be running already; only the session
// and the tunnel are set up.
type NoDeployment struct{}

// SignedPackageDeployment uploads a signed Debian package, installs it unless
// the same version is already installed, and starts the installed service.
type SignedPackageDeployment struct {
	PackagePath   string
	SignaturePath string
}

// BareExecutableDeployment uploads a service executable with its two
// libraries and starts it through sudo.
type BareExecutableDeployment struct {
	ExecutablePath                      string
	APILibraryPath                      string
	UserspaceInstrumentationLibraryPath string
	RootPassword                        string
}

func (NoDeployment) isDeployment()             {}
func (SignedPackageDeployment) isDeployment()  {}
func (BareExecutableDeployment) isDeployment() {}

// NewBareExecutableDeployment locates the libraries in ../lib relative to
// the executable.
func NewBareExecutableDeployment(executablePath, rootPassword string) BareExecutableDeployment {
	lib := filepath.Join(filepath.Dir(executablePath), "..", "lib")
	return BareExecutableDeployment{
		ExecutablePath:                      executablePath,
		APILibraryPath:                      filepath.Join(lib, "liborbit.so"),
		UserspaceInstrumentationLibraryPath: filepath.Join(lib, "liborbituserspaceinstrumentation.so"),
		RootPassword:                        rootPassword,
	}
}

// serviceCommand is the command line that starts the service for d.
func serviceCommand(d Deployment, devMode bool) string {
	var command string
	switch d.(type) {
	case BareExecutableDeployment:
		command = "sudo --stdin " + protocol.RemoteExecutablePath
	default:
		command = protocol.InstalledServicePath
	}
	if devMode {
		command += " " + protocol.DevModeFlag
	}
	return command
}

// installedCheckCommand exits with 0 iff version of the package is installed
// and its files are intact.
func installedCheckCommand(version string) string {
	version = strings.TrimPrefix(version, "v")
	return "/usr/bin/dpkg-query -W -f '${Version}' orbitprofiler | grep -xF '" + version +
		"' && cd / && md5sum -c /var/lib/dpkg/info/orbitprofiler.md5sums"
}

func installCommand() string {
	return "sudo " + protocol.InstallScriptPath + " " + protocol.RemotePackagePath
}
