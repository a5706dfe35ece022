package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRouteLabels(t *testing.T) {
	t.Run("full label set", func(t *testing.T) {
		labels, routable, err := ParseRouteLabels(map[string]string{
			LabelEnable:    "true",
			LabelHost:      "app.example.com",
			LabelPort:      "3000",
			LabelSSL:       "true",
			LabelWebSocket: "true",
		})
		require.NoError(t, err)
		require.True(t, routable)
		assert.Equal(t, "app.example.com", labels.Host)
		assert.Equal(t, 3000, labels.Port)
		assert.True(t, labels.ForceSSL)
		assert.True(t, labels.WebSocket)
	})

	t.Run("port defaults to 80", func(t *testing.T) {
		labels, routable, err := ParseRouteLabels(map[string]string{
			LabelEnable: "true",
			LabelHost:   "app.example.com",
		})
		require.NoError(t, err)
		require.True(t, routable)
		assert.Equal(t, 80, labels.Port)
		assert.False(t, labels.ForceSSL)
	})

	t.Run("opted out", func(t *testing.T) {
		cases := map[string]map[string]string{
			"no labels":      {},
			"enable false":   {LabelEnable: "false", LabelHost: "app.example.com"},
			"missing host":   {LabelEnable: "true"},
			"empty host":     {LabelEnable: "true", LabelHost: ""},
			"unrelated only": {"maintainer": "ops"},
		}
		for name, labels := range cases {
			t.Run(name, func(t *testing.T) {
				_, routable, err := ParseRouteLabels(labels)
				require.NoError(t, err)
				assert.False(t, routable)
			})
		}
	})

	t.Run("malformed values", func(t *testing.T) {
		cases := map[string]map[string]string{
			"bad enable":    {LabelEnable: "yep", LabelHost: "app.example.com"},
			"bad port":      {LabelEnable: "true", LabelHost: "app.example.com", LabelPort: "web"},
			"port zero":     {LabelEnable: "true", LabelHost: "app.example.com", LabelPort: "0"},
			"port too high": {LabelEnable: "true", LabelHost: "app.example.com", LabelPort: "70000"},
			"bad ssl":       {LabelEnable: "true", LabelHost: "app.example.com", LabelSSL: "always"},
			"bad websocket": {LabelEnable: "true", LabelHost: "app.example.com", LabelWebSocket: "maybe"},
		}
		for name, labels := range cases {
			t.Run(name, func(t *testing.T) {
				_, _, err := ParseRouteLabels(labels)
				assert.ErrorIs(t, err, ErrMalformedLabels)
			})
		}
	})
}

func TestRouteIDs(t *testing.T) {
	assert.Equal(t, "route_app_example_com", ManualRouteID("app.example.com"))
	assert.Equal(t, "static_star_example_com", StaticRouteID("*.example.com"))
	assert.Equal(t, "monitor_srv1_web_0123456789ab_3000",
		MonitorRouteID("srv1", "web", "0123456789abcdef0123", "3000"))
	// Short container ids pass through untruncated.
	assert.Equal(t, "monitor_srv1_web_abc_80", MonitorRouteID("srv1", "web", "abc", "80"))
}

func TestNewRouteIntentValidation(t *testing.T) {
	_, err := NewRouteIntent("", "app.example.com", "10.0.0.5:3000", OriginManual)
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewRouteIntent("route_x", "", "10.0.0.5:3000", OriginManual)
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewRouteIntent("route_x", "https://app.example.com", "10.0.0.5:3000", OriginManual)
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = NewRouteIntent("route_x", "app.example.com", "10.0.0.5:3000", Origin("cron"))
	assert.ErrorIs(t, err, ErrInvalidRoute)

	intent, err := NewRouteIntent("route_x", "app.example.com", "10.0.0.5:3000", OriginManual)
	require.NoError(t, err)
	assert.Equal(t, OriginManual, intent.Origin)
}
