package pkg

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandomString(t *testing.T) {
	s1, err := GenerateRandomString(35)
	require.NoError(t, err)
	require.NotEmpty(t, s1)

	s2, err := GenerateRandomString(35)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func TestReadUserIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.11.12.13:4567"
	ip, err := ReadUserIP(r)
	require.NoError(t, err)
	assert.Equal(t, "10.11.12.13", ip)

	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:8080"
	ip, err = ReadUserIP(r)
	require.NoError(t, err)
	assert.Equal(t, "localhost", ip)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-Ip", "1.2.3.4")
	r.RemoteAddr = "10.0.0.1:1234"
	ip, err = ReadUserIP(r)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ip)

	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "nonsense"
	_, err = ReadUserIP(r)
	assert.Error(t, err)
}
