//go:build integration

// Package testutil runs a disposable MySQL server, with the taskrelay schema
// installed, and taskrelay binaries next to it in containers.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/taskrelay/mysql"
)

const (
	// QueueTable and KVTable are the tables Start installs.
	QueueTable = "taskrelay_queue"
	KVTable    = "taskrelay_kv"

	serverImage = "mysql:8.0.36"
	serverAlias = "mysql"
	serverPort  = nat.Port("3306/tcp")
	database    = "taskrelay"
	rootPass    = "secret"
	bootTimeout = 2 * time.Minute

	runnerImage   = "alpine:3.20"
	runnerBinary  = "/taskrelay-bin"
	runnerTimeout = 2 * time.Minute
)

// MySQL is a running server with the taskrelay tables created.
type MySQL struct {
	// DB is connected through the host-mapped port.
	DB *sql.DB
	// Network is the docker network binaries started by Run join.
	Network string
}

// DSN addresses the server from inside Network.
func (m MySQL) DSN() string {
	return dsn(serverAlias + ":" + serverPort.Port())
}

func dsn(addr string) string {
	return fmt.Sprintf("root:%s@tcp(%s)/%s?parseTime=true&multiStatements=true", rootPass, addr, database)
}

// Start boots MySQL on a private network and installs the queue and KV schemas.
// The test is skipped when docker is not reachable.
func Start(t *testing.T, ctx context.Context) MySQL {
	t.Helper()

	nw, err := network.New(ctx)
	if err != nil {
		t.Skipf("docker network: %v", err)
	}
	t.Cleanup(func() { _ = nw.Remove(ctx) })

	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          serverImage,
			ExposedPorts:   []string{string(serverPort)},
			Env:            map[string]string{"MYSQL_ROOT_PASSWORD": rootPass, "MYSQL_DATABASE": database},
			Networks:       []string{nw.Name},
			NetworkAliases: map[string][]string{nw.Name: {serverAlias}},
			WaitingFor: wait.ForSQL(serverPort, "mysql", func(host string, port nat.Port) string {
				return dsn(host + ":" + port.Port())
			}).WithStartupTimeout(bootTimeout),
		},
	})
	if err != nil {
		t.Skipf("mysql container: %v", err)
	}
	t.Cleanup(func() { _ = server.Terminate(ctx) })

	endpoint, err := server.PortEndpoint(ctx, serverPort, "")
	if err != nil {
		t.Fatalf("mysql endpoint: %v", err)
	}
	db, err := sql.Open("mysql", dsn(endpoint))
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	schemas := []struct {
		table  string
		render func(string) (string, error)
	}{
		{table: QueueTable, render: mysql.QueueSchema},
		{table: KVTable, render: mysql.KVSchema},
	}
	for _, s := range schemas {
		ddl, err := s.render(s.table)
		if err != nil {
			t.Fatalf("render schema: %v", err)
		}
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			t.Fatalf("install schema: %v", err)
		}
	}

	return MySQL{DB: db, Network: nw.Name}
}

// Run cross-compiles the package in the working directory and runs it with args
// inside m's network. It returns the exit code and the combined output.
func (m MySQL) Run(t *testing.T, ctx context.Context, args ...string) (int, string) {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "bin")
	build := exec.Command("go", "build", "-o", bin, ".")
	build.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux", "GOARCH="+runtime.GOARCH)
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build: %v\n%s", err, out)
	}

	runner, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      runnerImage,
			Entrypoint: []string{runnerBinary},
			Cmd:        args,
			Networks:   []string{m.Network},
			Files:      []testcontainers.ContainerFile{{HostFilePath: bin, ContainerFilePath: runnerBinary, FileMode: 0o755}},
			WaitingFor: wait.ForExit().WithExitTimeout(runnerTimeout),
		},
	})
	if err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	t.Cleanup(func() { _ = runner.Terminate(ctx) })

	state, err := runner.State(ctx)
	if err != nil {
		t.Fatalf("container state: %v", err)
	}
	logs, err := runner.Logs(ctx)
	if err != nil {
		t.Fatalf("container logs: %v", err)
	}
	defer logs.Close()
	out, err := io.ReadAll(logs)
	if err != nil {
		t.Fatalf("container logs: %v", err)
	}

	return state.ExitCode, string(out)
}
