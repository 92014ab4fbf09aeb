package integration

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

const postgresImage = "postgres:16-alpine"

// startPostgresContainer launches a throwaway Postgres on a Docker-assigned
// host port. The returned stop func removes the container.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	id, err := docker(ctx, "run", "-d", "--rm", "-P",
		"--label", "medidash.integration=1",
		"-e", "POSTGRES_USER=medidash",
		"-e", "POSTGRES_PASSWORD=medidash",
		"-e", "POSTGRES_DB=medidash",
		postgresImage,
	)
	if err != nil {
		return "", nil, err
	}
	stop := func() { _, _ = docker(context.Background(), "rm", "-f", id) }

	addr, err := publishedAddr(ctx, id)
	if err != nil {
		stop()
		return "", nil, err
	}
	// Readiness is left to the pool's connect retries in setupPostgres.
	return fmt.Sprintf("postgres://medidash:medidash@%s/medidash?sslmode=disable", addr), stop, nil
}

// publishedAddr asks Docker where the container's 5432 landed on the host.
// Output looks like "0.0.0.0:49153", possibly followed by an IPv6 line.
func publishedAddr(ctx context.Context, id string) (string, error) {
	out, err := docker(ctx, "port", id, "5432/tcp")
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(out, "\n")
	_, port, err := net.SplitHostPort(strings.TrimSpace(first))
	if err != nil {
		return "", fmt.Errorf("parse docker port output %q: %w", out, err)
	}
	return net.JoinHostPort("localhost", port), nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, out)
	}
	return strings.TrimSpace(string(out)), nil
}
