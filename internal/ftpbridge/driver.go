package ftpbridge

import (
	"crypto/tls"
	"fmt"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/google/uuid"

	"github.com/deploymenttheory/x79d8/internal/flusher"
	"github.com/deploymenttheory/x79d8/internal/storeconfig"
	"github.com/deploymenttheory/x79d8/internal/vfs"
	"github.com/deploymenttheory/x79d8/internal/x79err"
	"github.com/deploymenttheory/x79d8/internal/x79log"
)

var log = x79log.For("ftpbridge")

// Driver is the ftpserverlib.MainDriver for one open store. There is no
// multi-user auth (Non-goals): any username is accepted and the single
// store password gates the connection.
type Driver struct {
	BindAddr string
	Banner   string

	cfg     storeconfig.Config
	tree    *vfs.Tree
	flusher *flusher.Flusher
	fs      *Fs
}

// NewDriver builds a MainDriver serving tree over bindAddr, authenticating
// connections against cfg's password verifier. bindAddr must resolve to a
// loopback interface; see CheckLoopbackBind.
func NewDriver(bindAddr string, cfg storeconfig.Config, tree *vfs.Tree, f *flusher.Flusher) (*Driver, error) {
	if err := CheckLoopbackBind(bindAddr); err != nil {
		return nil, err
	}
	return &Driver{
		BindAddr: bindAddr,
		Banner:   "x79d8",
		cfg:      cfg,
		tree:     tree,
		flusher:  f,
		fs:       New(tree, f),
	}, nil
}

func (d *Driver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{
		ListenAddr: d.BindAddr,
		Banner:     d.Banner,
	}, nil
}

func (d *Driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	sessionID := uuid.New().String()
	log.WithField("session", sessionID).WithField("remote", cc.RemoteAddr().String()).Info("client connected")
	return d.Banner, nil
}

func (d *Driver) ClientDisconnected(cc ftpserver.ClientContext) {
	log.WithField("remote", cc.RemoteAddr().String()).Info("client disconnected")
}

func (d *Driver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if _, err := d.cfg.Unlock(pass); err != nil {
		log.WithField("user", user).Warn("authentication failed")
		return nil, fmt.Errorf("%w", x79err.ErrBadPassword)
	}
	return d.fs, nil
}

func (d *Driver) GetTLSConfig() (*tls.Config, error) {
	return nil, nil
}
