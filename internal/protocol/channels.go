// Package protocol holds the wire-level names and conventions shared by the
// SSH transport, the deploy manager and the remote OrbitService.
package protocol

import "time"

// SSH channel type and subsystem names.
const (
	// ChannelSession is the standard SSH session channel (RFC 4254 Section 6.1).
	// Used for remote command execution and the SFTP subsystem.
	ChannelSession = "session"

	// ChannelDirectTCPIP is the standard SSH direct-tcpip channel (RFC 4254 Section 7.2).
	// Used for forwarding a local port to a port on the remote loopback interface.
	ChannelDirectTCPIP = "direct-tcpip"

	// SubsystemSFTP is requested on a session channel to start the SFTP server.
	SubsystemSFTP = "sftp"

	// RequestExec starts a command on a session channel.
	RequestExec = "exec"

	// RequestExitStatus is sent by the server when the remote command exits.
	RequestExitStatus = "exit-status"

	// RequestExitSignal is sent by the server when the remote command was killed by a signal.
	RequestExitSignal = "exit-signal"
)

// DirectTCPIPData is the standard SSH direct-tcpip extra data (RFC 4254).
type DirectTCPIPData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// ExecData is the payload of an "exec" channel request.
type ExecData struct {
	Command string
}

// SubsystemData is the payload of a "subsystem" channel request.
type SubsystemData struct {
	Name string
}

// ExitStatusData is the payload of an "exit-status" channel request.
type ExitStatusData struct {
	Status uint32
}

// Service stdio protocol.
const (
	// ReadyKeyword is printed by the service on stdout once it accepts connections.
	ReadyKeyword = "READY"

	// WatchdogPassphrase is written once on the service's stdin to arm its watchdog.
	WatchdogPassphrase = "start_watchdog"

	// WatchdogHeartbeat is written on the service's stdin every WatchdogInterval.
	WatchdogHeartbeat = "."

	// WatchdogInterval is the heartbeat period.
	WatchdogInterval = time.Second

	// ServiceStartupTimeout bounds how long the service may take to print ReadyKeyword.
	ServiceStartupTimeout = 10 * time.Second

	// ExitCodeIndicatingErrorMessage means the service printed an error message on stdout before exiting.
	ExitCodeIndicatingErrorMessage = 42

	// DevModeFlag is appended to the service command line in developer mode.
	DevModeFlag = "--devmode"
)

// Fixed remote paths.
const (
	RemotePackagePath    = "/tmp/orbitprofiler.deb"
	RemoteSignaturePath  = "/tmp/orbitprofiler.deb.asc"
	InstalledServicePath = "/opt/developer/tools/OrbitService"
	InstallScriptPath    = "/usr/local/cloudcast/sbin/install_signed_package.sh"

	RemoteExecutablePath            = "/tmp/OrbitService"
	RemoteAPILibraryPath            = "/tmp/liborbit.so"
	RemoteUserspaceInstrLibraryPath = "/tmp/liborbituserspaceinstrumentation.so"
)

// Localhost is the loopback address tunnels listen on and connect to.
const Localhost = "127.0.0.1"
