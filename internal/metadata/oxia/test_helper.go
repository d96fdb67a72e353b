package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// TestServer is an Oxia server for tests: an external one named by
// OXIA_SERVICE_ADDRESS, or an embedded standalone server otherwise.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
}

// Addr returns the service address of the test server.
func (s *TestServer) Addr() string {
	return s.addr
}

// StartTestServer starts a server that is closed when the test ends.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		return &TestServer{addr: addr}
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to start Oxia standalone server: %v", err)
	}
	t.Cleanup(func() { _ = standalone.Close() })
	return &TestServer{standalone: standalone, addr: standalone.ServiceAddr()}
}
