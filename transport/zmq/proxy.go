package zmq

import (
	"context"
	"fmt"

	zmq4 "github.com/pebbe/zmq4"

	"github.com/velmie/taskrelay"
)

// ProxyConfig configures an XSUB/XPUB forwarding proxy.
type ProxyConfig struct {
	// FrontendEndpoint is bound by the XSUB socket publishers connect to.
	FrontendEndpoint string
	// BackendEndpoint is bound by the XPUB socket subscribers connect to.
	BackendEndpoint string
	Logger          taskrelay.Logger
}

// RunProxy forwards messages between the two endpoints until ctx is done.
func RunProxy(ctx context.Context, cfg ProxyConfig) error {
	if cfg.FrontendEndpoint == "" || cfg.BackendEndpoint == "" {
		return ErrEndpointRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = taskrelay.NopLogger{}
	}

	zctx, err := zmq4.NewContext()
	if err != nil {
		return fmt.Errorf("zmq proxy: new context: %w", err)
	}
	defer zctx.Term()

	xsub, err := bindSocket(zctx, zmq4.XSUB, cfg.FrontendEndpoint)
	if err != nil {
		return err
	}
	defer xsub.Close()

	xpub, err := bindSocket(zctx, zmq4.XPUB, cfg.BackendEndpoint)
	if err != nil {
		return err
	}
	defer xpub.Close()

	control, err := bindSocket(zctx, zmq4.PAIR, "inproc://taskrelay-proxy-control")
	if err != nil {
		return err
	}
	defer control.Close()

	stop, err := zctx.NewSocket(zmq4.PAIR)
	if err != nil {
		return fmt.Errorf("zmq proxy: new control socket: %w", err)
	}
	defer stop.Close()
	_ = stop.SetLinger(0)
	if err := stop.Connect("inproc://taskrelay-proxy-control"); err != nil {
		return fmt.Errorf("zmq proxy: connect control: %w", err)
	}

	cfg.Logger.Info("zmq proxy started", "frontend", cfg.FrontendEndpoint, "backend", cfg.BackendEndpoint)

	errCh := make(chan error, 1)
	go func() {
		errCh <- zmq4.ProxySteerable(xsub, xpub, nil, control)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("zmq proxy: %w", err)
	case <-ctx.Done():
		if _, err := stop.Send("TERMINATE", 0); err != nil {
			cfg.Logger.Warn("zmq proxy terminate failed", "err", err)
		}
		err := <-errCh
		cfg.Logger.Info("zmq proxy stopped")

		return err
	}
}

func bindSocket(zctx *zmq4.Context, kind zmq4.Type, endpoint string) (*zmq4.Socket, error) {
	sock, err := zctx.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("zmq proxy: new %s socket: %w", kind, err)
	}
	_ = sock.SetLinger(0)
	if err := sock.Bind(endpoint); err != nil {
		_ = sock.Close()

		return nil, fmt.Errorf("zmq proxy: bind %s: %w", endpoint, err)
	}

	return sock, nil
}
