package publicip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/certiroute/internal/core"
)

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, time.Second)
}

func TestGetCurrentAddress(t *testing.T) {
	t.Parallel()

	addr, err := serve(t, http.StatusOK, `{"ip":"203.0.113.9"}`).GetCurrentAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", addr.String())

	addr, err = serve(t, http.StatusOK, "198.51.100.7\n").GetCurrentAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", addr.String())
}

func TestGetCurrentAddressErrors(t *testing.T) {
	t.Parallel()

	_, err := serve(t, http.StatusBadGateway, "").GetCurrentAddress(context.Background())
	assert.Equal(t, core.KindExternalTransient, core.KindOf(err))

	_, err = serve(t, http.StatusOK, `{"ip":"2001:db8::1"}`).GetCurrentAddress(context.Background())
	assert.Equal(t, core.KindExternalPermanent, core.KindOf(err))

	_, err = New("http://127.0.0.1:1", 100*time.Millisecond).GetCurrentAddress(context.Background())
	assert.Equal(t, core.KindExternalTransient, core.KindOf(err))
}
