package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrPeerCredentials is returned where the platform cannot identify a peer.
var ErrPeerCredentials = errors.New("ipc: peer credentials unavailable")

// PeerCredentials holds the credentials of a peer process.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// SetSocketPermissions sets the socket file permissions.
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file. Anything other than a socket
// at path is left alone and reported.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening reports whether something accepts connections at path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// VerifyPeerIsCurrentUser reports whether the peer runs as this user.
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}
