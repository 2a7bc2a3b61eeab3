package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	calls      []string
	updateErr  error
	restartErr error
}

func (p *fakeProxy) Update(context.Context) error {
	p.calls = append(p.calls, "update")
	return p.updateErr
}

func (p *fakeProxy) Restart(_ context.Context, app, version string) error {
	p.calls = append(p.calls, "restart "+app+"@"+version)
	return p.restartErr
}

type fakeSystemd struct {
	reloadErr  error
	restartErr error
	reloaded   bool
	restarted  []string
}

func (s *fakeSystemd) DaemonReload(context.Context) error {
	s.reloaded = true
	return s.reloadErr
}

func (s *fakeSystemd) TryRestartUnits(_ context.Context, units []string) error {
	s.restarted = units
	return s.restartErr
}

func TestRestarter_DefersNotification(t *testing.T) {
	proxy := &fakeProxy{}
	r := NewRestarter(proxy, "shop", testLogger())

	res, err := r.Handle(context.Background(), Request{Branch: "feature/x", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, proxy.calls, "proxy must not be called before the swap")

	task, ok := res.AfterSwap()
	require.True(t, ok)
	require.NoError(t, task(context.Background()))
	assert.Equal(t, []string{"update", "restart shop@feature/x"}, proxy.calls)
}

func TestRestarter_AppFromData(t *testing.T) {
	proxy := &fakeProxy{}
	r := NewRestarter(proxy, "default", testLogger())

	res, err := r.Handle(context.Background(), Request{Branch: "main", Data: json.RawMessage(`{"app": "blog"}`)})
	require.NoError(t, err)
	task, _ := res.AfterSwap()
	require.NoError(t, task(context.Background()))
	assert.Equal(t, []string{"update", "restart blog@main"}, proxy.calls)
}

func TestRestarter_TaskFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("update", func(t *testing.T) {
		proxy := &fakeProxy{updateErr: boom}
		res, err := NewRestarter(proxy, "shop", testLogger()).Handle(context.Background(), Request{Branch: "main"})
		require.NoError(t, err)
		task, _ := res.AfterSwap()

		err = task(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"update"}, proxy.calls)
	})

	t.Run("restart", func(t *testing.T) {
		proxy := &fakeProxy{restartErr: boom}
		res, err := NewRestarter(proxy, "shop", testLogger()).Handle(context.Background(), Request{Branch: "main"})
		require.NoError(t, err)
		task, _ := res.AfterSwap()

		err = task(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "shop@main")
	})
}

func TestRestarter_HandleErrors(t *testing.T) {
	t.Run("no proxy", func(t *testing.T) {
		_, err := NewRestarter(nil, "shop", testLogger()).Handle(context.Background(), Request{Branch: "main"})
		assert.Error(t, err)
	})

	t.Run("no app", func(t *testing.T) {
		_, err := NewRestarter(&fakeProxy{}, "", testLogger()).Handle(context.Background(), Request{Branch: "main"})
		assert.Error(t, err)
	})

	t.Run("invalid data", func(t *testing.T) {
		_, err := NewRestarter(&fakeProxy{}, "shop", testLogger()).Handle(context.Background(), Request{Branch: "main", Data: json.RawMessage(`[]`)})
		assert.Error(t, err)
	})
}

func TestSystemdRestarter(t *testing.T) {
	systemd := &fakeSystemd{}
	s := NewSystemdRestarter(systemd, testLogger())

	res, err := s.Handle(context.Background(), Request{
		Branch: "feature/x",
		Data:   json.RawMessage(`{"units": ["app@{version}.service", "proxy.service"]}`),
	})
	require.NoError(t, err)
	assert.False(t, systemd.reloaded)

	task, ok := res.AfterSwap()
	require.True(t, ok)
	require.NoError(t, task(context.Background()))
	assert.True(t, systemd.reloaded)
	assert.Equal(t, []string{"app@feature-x.service", "proxy.service"}, systemd.restarted)
}

func TestSystemdRestarter_Errors(t *testing.T) {
	t.Run("no units", func(t *testing.T) {
		_, err := NewSystemdRestarter(&fakeSystemd{}, testLogger()).Handle(context.Background(), Request{Branch: "main"})
		assert.Error(t, err)
	})

	t.Run("reload fails", func(t *testing.T) {
		boom := errors.New("reload failed")
		systemd := &fakeSystemd{reloadErr: boom}
		res, err := NewSystemdRestarter(systemd, testLogger()).Handle(context.Background(), Request{
			Branch: "main",
			Data:   json.RawMessage(`{"units": ["app.service"]}`),
		})
		require.NoError(t, err)
		task, _ := res.AfterSwap()
		assert.ErrorIs(t, task(context.Background()), boom)
		assert.Nil(t, systemd.restarted)
	})
}

func TestUnitNames(t *testing.T) {
	assert.Equal(t, []string{"web-main.service", "static"}, UnitNames([]string{"web-{version}.service", "static"}, "main"))
	assert.Equal(t, []string{"a-release-1.0"}, UnitNames([]string{"a-{version}"}, "release/1.0"))
}
