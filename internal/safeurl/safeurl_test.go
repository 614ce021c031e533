package safeurl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsForbiddenHosts(t *testing.T) {
	ctx := context.Background()
	cases := []string{
		"http://127.0.0.1:8080/x.jpg",
		"http://127.1.2.3/x",
		"http://10.0.0.5/x",
		"http://172.16.0.1/x",
		"http://192.168.1.1/x",
		"http://169.254.169.254/latest/meta-data/",
		"http://100.64.0.1/x",
		"http://0.0.0.0/x",
		"http://[::1]/x",
		"http://[fe80::1]/x",
		"http://[fc00::1]/x",
		"http://localhost:9000/x",
	}
	for _, raw := range cases {
		err := Validate(ctx, raw)
		assert.ErrorIs(t, err, ErrForbiddenNet, "url %s", raw)
	}
}

func TestValidateRejectsBadSchemes(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{
		"ftp://example.com/x",
		"file:///etc/passwd",
		"gopher://example.com/x",
	} {
		assert.ErrorIs(t, Validate(ctx, raw), ErrScheme, "url %s", raw)
	}
	assert.Error(t, Validate(ctx, "http:///nohost"))
}

func TestValidateAcceptsPublicIPs(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{
		"https://93.184.216.34/x.jpg",
		"http://8.8.8.8/x",
	} {
		assert.NoError(t, Validate(ctx, raw), "url %s", raw)
	}
}

func TestClientRefusesDialToForbiddenTarget(t *testing.T) {
	// A local listener stands in for an attacker-controlled redirect or
	// DNS rebind: the dialer itself must refuse loopback targets.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = Client().Do(req)
	assert.Error(t, err)
}

func TestFetchRejectsBeforeConnecting(t *testing.T) {
	_, _, err := Fetch(context.Background(), "http://127.0.0.1:1/x.jpg")
	assert.ErrorIs(t, err, ErrForbiddenNet)
}
