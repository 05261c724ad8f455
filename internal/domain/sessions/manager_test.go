package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgworker/internal/domain/sessions"
	"tgworker/internal/domain/sessions/sessionstest"
	"tgworker/internal/infra/clock"
	"tgworker/internal/infra/metrics"
)

type env struct {
	mgr     *sessions.Manager
	factory *sessionstest.Factory
	creds   *sessionstest.Credentials
	hook    *sessionstest.Deliverer
	clock   *clock.Manual
	metrics *metrics.Metrics
}

func newEnv(t *testing.T, credIDs ...string) *env {
	t.Helper()
	return newEnvWith(t, nil, credIDs...)
}

func newEnvWith(t *testing.T, tune func(*sessions.Options), credIDs ...string) *env {
	t.Helper()

	e := &env{
		factory: sessionstest.NewFactory(),
		creds:   sessionstest.NewCredentials(credIDs...),
		hook:    &sessionstest.Deliverer{},
		clock:   clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		metrics: metrics.NewIsolated(),
	}
	e.factory.Configure = func(c *sessionstest.Client) { c.Password = "secret" }

	seq := 0
	var seqMu sync.Mutex
	opts := sessions.Options{
		Factory:     e.factory,
		Credentials: e.creds,
		Deliverer:   e.hook,
		Fetcher:     &sessionstest.Fetcher{},
		Metrics:     e.metrics,
		Clock:       e.clock.Now,
		RenderQR:    func(payload string) ([]byte, error) { return []byte("png:" + payload), nil },
		NewQRID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return "Q" + string(rune('0'+seq))
		},
		PollInterval:  5 * time.Millisecond,
		ResumeBackoff: time.Millisecond,
	}
	if tune != nil {
		tune(&opts)
	}
	mgr, err := sessions.New(opts)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	e.mgr = mgr
	return e
}

func (e *env) status(t *testing.T, tenant string) sessions.State {
	t.Helper()
	st, err := e.mgr.Status(tenant)
	require.NoError(t, err)
	return st
}

// toNeeds2FA проводит тенанта через QR до запроса пароля.
func (e *env) toNeeds2FA(t *testing.T, tenant string) *sessionstest.Client {
	t.Helper()
	st, err := e.mgr.StartSession(context.Background(), tenant, false)
	require.NoError(t, err)
	require.Equal(t, sessions.StatusWaitingQR, st.Status)

	c := e.factory.Last()
	c.PushQR(sessions.ErrPasswordNeeded)
	require.Eventually(t, func() bool {
		return e.status(t, tenant).Status == sessions.StatusNeeds2FA
	}, time.Second, 5*time.Millisecond)
	return c
}

func TestNewRequiresPorts(t *testing.T) {
	t.Parallel()

	_, err := sessions.New(sessions.Options{Credentials: sessionstest.NewCredentials()})
	require.Error(t, err)
	_, err = sessions.New(sessions.Options{Factory: sessionstest.NewFactory()})
	require.Error(t, err)
}

func TestStartSessionConcurrentSingleQR(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := e.mgr.StartSession(context.Background(), "7", false)
			assert.NoError(t, err)
			ids[i] = st.QRID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.NotEmpty(t, ids[0])
	require.Len(t, e.factory.Created(), 1)
	assert.Equal(t, 1, e.factory.Last().Calls("ExportQR"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.QRGenerated))
}

func TestStartSessionQRLogin(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	st, err := e.mgr.StartSession(context.Background(), "7", false)
	require.NoError(t, err)
	assert.Equal(t, "Q1", st.QRID)
	assert.Equal(t, "tg://login?token=7", st.QRURL)
	assert.Equal(t, e.clock.Now().Add(180*time.Second), st.QRExpiresAt)

	c := e.factory.Last()
	c.PushQR(nil)
	require.Eventually(t, func() bool {
		return e.status(t, "7").Status == sessions.StatusAuthorized
	}, time.Second, 5*time.Millisecond)

	got := e.status(t, "7")
	assert.Empty(t, got.QRID)
	assert.Nil(t, got.QRPNG)
	assert.False(t, got.CanRestart)
	require.Eventually(t, func() bool { return c.Calls("Subscribe") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Logins.WithLabelValues("qr")))

	// Повторный start без force возвращает живую сессию.
	again, err := e.mgr.StartSession(context.Background(), "7", false)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusAuthorized, again.Status)
	assert.Equal(t, 1, c.Calls("ExportQR"))

	// Вышедший из оборота QR диагностируется как просроченный.
	_, err = e.mgr.QRImage("Q1", "")
	assert.ErrorIs(t, err, sessions.ErrQRExpired)
}

func TestStartSessionForceRegenerates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	first, err := e.mgr.StartSession(context.Background(), "7", false)
	require.NoError(t, err)
	second, err := e.mgr.StartSession(context.Background(), "7", true)
	require.NoError(t, err)

	assert.NotEqual(t, first.QRID, second.QRID)
	assert.Equal(t, sessions.StatusWaitingQR, second.Status)

	_, err = e.mgr.QRImage(first.QRID, "")
	assert.ErrorIs(t, err, sessions.ErrQRExpired)
	png, err := e.mgr.QRImage(second.QRID, "7")
	require.NoError(t, err)
	assert.Contains(t, string(png), "png:")

	created := e.factory.Created()
	require.Len(t, created, 2)
	assert.True(t, created[0].Closed())
}

func TestStartSessionSilentResume(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "9")
	c := sessionstest.NewClient("9")
	c.Authorized = true
	e.factory.Prepare(c)

	st, err := e.mgr.StartSession(context.Background(), "9", false)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusAuthorized, st.Status)
	assert.Empty(t, st.QRID)
	assert.Zero(t, c.Calls("ExportQR"))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Logins.WithLabelValues("resume")))
}

func TestStartSessionResumeFallsBackToQR(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "9")

	st, err := e.mgr.StartSession(context.Background(), "9", false)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusWaitingQR, st.Status)
	assert.NotEmpty(t, st.QRID)
}

func TestStartSessionExportFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := sessionstest.NewClient("3")
	c.ExportErr = sessions.NewError(sessions.CodeNetwork, errors.New("dial tcp: refused"))
	e.factory.Prepare(c)

	st, err := e.mgr.StartSession(context.Background(), "3", false)
	require.Error(t, err)
	assert.Equal(t, sessions.CodeNetwork, sessions.CodeOf(err))
	assert.Equal(t, sessions.StatusDisconnected, st.Status)
	assert.True(t, st.CanRestart)
	assert.Equal(t, string(sessions.CodeNetwork), st.LastError)
}

func TestStartSessionRequiresTenant(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.mgr.StartSession(context.Background(), "", false)
	assert.ErrorIs(t, err, sessions.ErrTenantRequired)
	_, err = e.mgr.Status("")
	assert.ErrorIs(t, err, sessions.ErrTenantRequired)
}

func TestQRImageExpiry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	st, err := e.mgr.StartSession(context.Background(), "7", false)
	require.NoError(t, err)

	png, err := e.mgr.QRImage(st.QRID, "")
	require.NoError(t, err)
	assert.Equal(t, st.QRPNG, png)

	_, err = e.mgr.QRImage("unknown", "")
	assert.ErrorIs(t, err, sessions.ErrQRNotFound)

	e.clock.Advance(181 * time.Second)
	_, err = e.mgr.QRImage(st.QRID, "")
	assert.ErrorIs(t, err, sessions.ErrQRExpired)

	got := e.status(t, "7")
	assert.Equal(t, sessions.StatusDisconnected, got.Status)
	assert.Equal(t, string(sessions.CodeQRLoginTimeout), got.LastError)
	assert.True(t, got.CanRestart)
	assert.Empty(t, got.QRID)

	// В пределах окна удержания код остаётся «просроченным», а не «неизвестным».
	e.clock.Advance(14 * time.Minute)
	_, err = e.mgr.QRImage(st.QRID, "")
	assert.ErrorIs(t, err, sessions.ErrQRExpired)

	e.clock.Advance(2 * time.Minute)
	_, err = e.mgr.QRImage(st.QRID, "")
	assert.ErrorIs(t, err, sessions.ErrQRNotFound)
}

func TestPollTimeoutDisconnects(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	_, err := e.mgr.StartSession(context.Background(), "7", false)
	require.NoError(t, err)
	e.clock.Advance(200 * time.Second)

	// Tenants не выполняет ленивую экспирацию, так что переход делает задача опроса.
	require.Eventually(t, func() bool {
		for _, st := range e.mgr.Tenants() {
			if st.TenantID == "7" {
				return st.Status == sessions.StatusDisconnected
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	st := e.status(t, "7")
	assert.Equal(t, string(sessions.CodeQRLoginTimeout), st.LastError)
	assert.True(t, st.CanRestart)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.QRExpired))
}

func TestStartSessionWhilePasswordPending(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")

	before := e.status(t, "7")
	assert.True(t, before.TwoFAPending)
	assert.Empty(t, before.QRID)

	e.clock.Advance(30 * time.Second)
	st, err := e.mgr.StartSession(context.Background(), "7", true)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusNeeds2FA, st.Status)
	assert.Equal(t, e.clock.Now().Add(90*time.Second), st.Needs2FAExpiresAt)
	assert.Equal(t, 1, c.Calls("ExportQR"))
}

func TestSubmitPasswordScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.toNeeds2FA(t, "7")

	err := e.mgr.SubmitPassword(context.Background(), "7", "wrong")
	require.ErrorIs(t, err, sessions.ErrPasswordInvalid)
	assert.Equal(t, sessions.StatusNeeds2FA, e.status(t, "7").Status)

	require.NoError(t, e.mgr.SubmitPassword(context.Background(), "7", "secret"))

	st := e.status(t, "7")
	assert.Equal(t, sessions.StatusAuthorized, st.Status)
	assert.Empty(t, st.QRID)
	assert.False(t, st.TwoFAPending)
	assert.False(t, st.Needs2FA)
	assert.False(t, st.AwaitingPassword)
	assert.True(t, st.Needs2FAExpiresAt.IsZero())
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.PasswordAttempts.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Logins.WithLabelValues("password")))

	// Повтор на авторизованной сессии: no-op.
	require.NoError(t, e.mgr.SubmitPassword(context.Background(), "7", "secret"))
}

func TestSubmitPasswordRejectsEmpty(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")

	err := e.mgr.SubmitPassword(context.Background(), "7", "")
	require.ErrorIs(t, err, sessions.ErrPasswordRequired)
	assert.Zero(t, c.Calls("PasswordInfo"))
}

func TestSubmitPasswordFloodWait(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")
	c.CheckResults = []error{sessions.FloodWait(75 * time.Second)}

	err := e.mgr.SubmitPassword(context.Background(), "7", "secret")
	wait, ok := sessions.RetryAfterOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 75*time.Second, wait)
	assert.Equal(t, 1, c.Calls("PasswordInfo"))

	e.clock.Advance(30 * time.Second)
	err = e.mgr.SubmitPassword(context.Background(), "7", "secret")
	wait, ok = sessions.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, wait)
	assert.Equal(t, 1, c.Calls("PasswordInfo"), "backend must not be contacted during backoff")
	assert.Equal(t, sessions.StatusNeeds2FA, e.status(t, "7").Status)

	e.clock.Advance(46 * time.Second)
	require.NoError(t, e.mgr.SubmitPassword(context.Background(), "7", "secret"))
	assert.Equal(t, 2, c.Calls("PasswordInfo"))
	assert.Equal(t, sessions.StatusAuthorized, e.status(t, "7").Status)
}

func TestSubmitPasswordLongFloodWaitKeepsWindow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")
	c.CheckResults = []error{sessions.FloodWait(300 * time.Second)}

	err := e.mgr.SubmitPassword(context.Background(), "7", "secret")
	wait, ok := sessions.RetryAfterOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, 300*time.Second, wait)

	st := e.status(t, "7")
	assert.Equal(t, st.TwoFABackoffUntil.Add(90*time.Second), st.Needs2FAExpiresAt)

	e.clock.Advance(301 * time.Second)
	assert.Equal(t, sessions.StatusNeeds2FA, e.status(t, "7").Status)
	require.NoError(t, e.mgr.SubmitPassword(context.Background(), "7", "secret"))
	assert.Equal(t, 2, c.Calls("PasswordInfo"))
	assert.Equal(t, sessions.StatusAuthorized, e.status(t, "7").Status)
}

func TestSubmitPasswordFloodFloor(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")
	c.CheckResults = []error{sessions.FloodWait(5 * time.Second)}

	err := e.mgr.SubmitPassword(context.Background(), "7", "secret")
	wait, ok := sessions.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, wait)
	assert.Equal(t, e.clock.Now().Add(60*time.Second), e.status(t, "7").TwoFABackoffUntil)
}

func TestSubmitPasswordSRPRetry(t *testing.T) {
	t.Parallel()

	t.Run("retriedOnce", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		c := e.toNeeds2FA(t, "7")
		srp := sessions.NewError(sessions.CodeSRPInvalid, errors.New("SRP_ID_INVALID"))
		c.CheckResults = []error{srp}

		require.NoError(t, e.mgr.SubmitPassword(context.Background(), "7", "secret"))
		assert.Equal(t, 2, c.Calls("PasswordInfo"))
	})

	t.Run("failsAfterSecond", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		c := e.toNeeds2FA(t, "7")
		srp := sessions.NewError(sessions.CodeSRPInvalid, errors.New("SRP_ID_INVALID"))
		c.CheckResults = []error{srp, srp}

		err := e.mgr.SubmitPassword(context.Background(), "7", "secret")
		require.ErrorIs(t, err, sessions.ErrSRPInvalid)
		assert.Equal(t, 2, c.Calls("PasswordInfo"))
		st := e.status(t, "7")
		assert.Equal(t, sessions.StatusNeeds2FA, st.Status)
		assert.Equal(t, string(sessions.CodeSRPInvalid), st.LastError)
	})
}

func TestSubmitPasswordLegacyFallback(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")
	c.CheckResults = []error{sessions.ErrIncompatible}

	require.NoError(t, e.mgr.SubmitPassword(context.Background(), "7", "secret"))
	assert.Equal(t, 1, c.Calls("CheckPasswordLegacy"))
	assert.Equal(t, sessions.StatusAuthorized, e.status(t, "7").Status)
}

func TestSubmitPasswordBackendFailureRearmsTTL(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")
	c.PasswordInfoErr = errors.New("rpc error: internal")

	e.clock.Advance(60 * time.Second)
	err := e.mgr.SubmitPassword(context.Background(), "7", "secret")
	require.Error(t, err)
	assert.Equal(t, sessions.CodePasswordException, sessions.CodeOf(err))
	assert.True(t, sessions.IsRetryable(err))

	st := e.status(t, "7")
	assert.Equal(t, sessions.StatusNeeds2FA, st.Status)
	assert.Equal(t, e.clock.Now().Add(90*time.Second), st.Needs2FAExpiresAt)
}

func TestTwoFATimeout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.toNeeds2FA(t, "7")

	e.clock.Advance(91 * time.Second)
	st := e.status(t, "7")
	assert.Equal(t, sessions.StatusDisconnected, st.Status)
	assert.Equal(t, string(sessions.CodeTwoFATimeout), st.LastError)
	assert.True(t, st.CanRestart)
	assert.False(t, st.TwoFAPending)
	require.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)

	err := e.mgr.SubmitPassword(context.Background(), "7", "secret")
	require.ErrorIs(t, err, sessions.ErrTwoFAExpired)
	assert.Zero(t, c.Calls("PasswordInfo"))

	// Новый start выпускает свежий QR.
	next, err := e.mgr.StartSession(context.Background(), "7", false)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusWaitingQR, next.Status)
}

func TestAuthKeyRevokedSoftDisconnect(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "9")
	c := sessionstest.NewClient("9")
	c.Authorized = true
	e.factory.Prepare(c)

	require.NoError(t, e.mgr.Bootstrap(context.Background()))
	require.Equal(t, sessions.StatusAuthorized, e.status(t, "9").Status)

	events := c.Events()
	require.NotNil(t, events.OnFailure)
	events.OnFailure(sessions.NewError(sessions.CodeAuthKeyUnregistered, errors.New("AUTH_KEY_UNREGISTERED")))

	st := e.status(t, "9")
	assert.Equal(t, sessions.StatusDisconnected, st.Status)
	assert.True(t, st.CanRestart)
	assert.Equal(t, string(sessions.CodeAuthKeyUnregistered), st.LastError)
	assert.Empty(t, e.creds.Removed())
	assert.True(t, e.creds.Exists("9"))
	require.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)

	// Событие от уже отвязанного клиента ничего не меняет.
	events.OnFailure(sessions.ErrAuthKeyUnregistered)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Disconnects.WithLabelValues("authkey_unregistered")))
}

func TestStoppedClientIsDetached(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "9")
	c := sessionstest.NewClient("9")
	c.Authorized = true
	e.factory.Prepare(c)

	require.NoError(t, e.mgr.Bootstrap(context.Background()))
	c.Events().OnFailure(errors.Wrap(sessions.ErrClientStopped, "run"))

	st := e.status(t, "9")
	assert.Equal(t, sessions.StatusDisconnected, st.Status)
	assert.Equal(t, "client_stopped", st.LastError)
	assert.True(t, st.CanRestart)

	// Следующий start поднимает новое соединение и входит молча.
	next := sessionstest.NewClient("9")
	next.Authorized = true
	e.factory.Prepare(next)
	got, err := e.mgr.StartSession(context.Background(), "9", false)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusAuthorized, got.Status)
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	e := newEnv(t, "1", "2", "3")

	ok := sessionstest.NewClient("1")
	ok.Authorized = true
	e.factory.Prepare(ok)

	broken := sessionstest.NewClient("3")
	broken.ConnectErr = sessions.NewError(sessions.CodeNetwork, errors.New("connection refused"))
	e.factory.Prepare(broken)

	assert.False(t, e.mgr.IsReady())
	require.NoError(t, e.mgr.Bootstrap(context.Background()))
	assert.True(t, e.mgr.IsReady())
	select {
	case <-e.mgr.Ready():
	default:
		t.Fatal("ready channel must be closed")
	}

	assert.Equal(t, sessions.StatusAuthorized, e.status(t, "1").Status)

	unauth := e.status(t, "2")
	assert.Equal(t, sessions.StatusDisconnected, unauth.Status)
	assert.Equal(t, string(sessions.CodeNotAuthorized), unauth.LastError)
	assert.True(t, unauth.CanRestart)

	failed := e.status(t, "3")
	assert.Equal(t, sessions.StatusDisconnected, failed.Status)
	assert.Equal(t, string(sessions.CodeNetwork), failed.LastError)
	// Первая попытка плюс два повтора.
	assert.Equal(t, 3, broken.Calls("Connect"))

	h := e.mgr.Health()
	assert.Equal(t, sessions.Health{Authorized: 1}, h)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.BootstrapSessions.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.SessionsByStatus.WithLabelValues("authorized")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.SessionsByStatus.WithLabelValues("disconnected")))
}

func TestBootstrapListError(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.creds.ListErr = errors.New("permission denied")

	require.Error(t, e.mgr.Bootstrap(context.Background()))
	assert.True(t, e.mgr.IsReady())
}

func TestHardResetAndLogout(t *testing.T) {
	t.Parallel()

	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, "7")
		_, err := e.mgr.StartSession(context.Background(), "7", false)
		require.NoError(t, err)
		c := e.factory.Last()

		require.NoError(t, e.mgr.HardReset(context.Background(), "7"))
		st := e.status(t, "7")
		assert.Equal(t, sessions.StatusDisconnected, st.Status)
		assert.Empty(t, st.QRID)
		assert.True(t, c.Closed())
		assert.Equal(t, []string{"7"}, e.creds.Removed())
		assert.Zero(t, c.Calls("LogOut"))
	})

	t.Run("logout", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, "9")
		c := sessionstest.NewClient("9")
		c.Authorized = true
		c.LogOutErr = errors.New("network down")
		e.factory.Prepare(c)
		require.NoError(t, e.mgr.Bootstrap(context.Background()))

		require.NoError(t, e.mgr.Logout(context.Background(), "9"))
		assert.Equal(t, 1, c.Calls("LogOut"))
		assert.True(t, c.Closed())
		assert.False(t, e.creds.Exists("9"))
		assert.Equal(t, sessions.StatusDisconnected, e.status(t, "9").Status)
	})
}

func TestJanitorExpiresWithoutReads(t *testing.T) {
	t.Parallel()
	e := newEnvWith(t, func(o *sessions.Options) { o.JanitorInterval = 5 * time.Millisecond })
	e.toNeeds2FA(t, "7")
	require.Equal(t, sessions.Health{Needs2FA: 1}, e.mgr.Health())

	e.clock.Advance(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.mgr.Start(ctx)

	// Health не выполняет ленивую экспирацию: переход делает уборщик.
	require.Eventually(t, func() bool {
		return e.mgr.Health() == sessions.Health{}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(sessions.CodeTwoFATimeout), e.status(t, "7").LastError)
}
