package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/auth-core-api/internal/models"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
)

const testPassword = "correct horse battery"

func TestRegisterIssuesTokenPair(t *testing.T) {
	h := newAuthHarness(t)

	pair := h.register(t, "Alice@Example.com ", testPassword)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, models.TokenTypeBearer, pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.Equal(t, "alice@example.com", pair.User.Email)

	claims, err := h.codec.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, pair.User.ID, claims.UserID())
	assert.NotEmpty(t, claims.DeviceID)

	stored := h.tokens.byHash(HashRefreshToken(pair.RefreshToken))
	require.NotNil(t, stored)
	assert.NotEqual(t, pair.RefreshToken, stored.TokenHash)
	assert.Equal(t, claims.DeviceID, stored.DeviceID)

	attempts := h.attempts.all()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
	assert.Len(t, h.events.ofType(models.SecurityEventRegister), 1)
}

func TestRegisterEmailTaken(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "alice@example.com", testPassword)

	_, err := h.svc.Register(context.Background(), models.RegisterRequest{
		Email:      "ALICE@example.com",
		Password:   "another password",
		ClientMeta: models.ClientMeta{IP: "10.0.0.2"},
	})
	require.ErrorIs(t, err, appErrors.ErrEmailTaken)

	attempts := h.attempts.all()
	require.Len(t, attempts, 2)
	assert.False(t, attempts[1].Success)
	require.NotNil(t, attempts[1].Reason)
	assert.Equal(t, models.AttemptReasonEmailTaken, *attempts[1].Reason)
}

func TestRegisterValidation(t *testing.T) {
	h := newAuthHarness(t)
	_, err := h.svc.Register(context.Background(), models.RegisterRequest{Email: "not-an-email", Password: "short"})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Empty(t, h.attempts.all())
}

func TestLoginAndResetRejectOversizedInput(t *testing.T) {
	h := newAuthHarness(t)
	label := strings.Repeat("b", 63)
	longEmail := "alice@" + strings.Join([]string{label, label, label, label}, ".") + ".com"
	require.Greater(t, len(longEmail), 254)

	cases := []struct {
		name string
		call func() error
	}{
		{"login email", func() error {
			_, err := h.svc.Login(context.Background(), models.LoginRequest{Email: longEmail, Password: testPassword, ClientMeta: models.ClientMeta{IP: "1.2.3.4"}})
			return err
		}},
		{"login password", func() error {
			_, err := h.svc.Login(context.Background(), models.LoginRequest{Email: "alice@example.com", Password: strings.Repeat("p", 129), ClientMeta: models.ClientMeta{IP: "1.2.3.4"}})
			return err
		}},
		{"forgot password email", func() error {
			return h.svc.ForgotPassword(context.Background(), models.ResetPasswordRequest{Email: longEmail})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var appErr *appErrors.Error
			require.ErrorAs(t, tc.call(), &appErr)
			assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
		})
	}
	assert.Empty(t, h.attempts.all())
}

func TestLoginCreatesNewFamilyEachTime(t *testing.T) {
	h := newAuthHarness(t)
	first := h.register(t, "alice@example.com", testPassword)

	second, err := h.login("alice@example.com", testPassword, "10.0.0.1")
	require.NoError(t, err)
	third, err := h.login("alice@example.com", testPassword, "10.0.0.1")
	require.NoError(t, err)

	f1 := h.tokens.byHash(HashRefreshToken(first.RefreshToken)).FamilyID
	f2 := h.tokens.byHash(HashRefreshToken(second.RefreshToken)).FamilyID
	f3 := h.tokens.byHash(HashRefreshToken(third.RefreshToken)).FamilyID
	assert.NotEqual(t, f1, f2)
	assert.NotEqual(t, f2, f3)
	assert.NotEqual(t, f1, f3)
	assert.Len(t, h.tokens.families(), 3)
}

func TestLoginFailuresShareShape(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)

	_, wrongPassword := h.login("alice@example.com", "wrong password", "10.0.0.1")
	_, unknownEmail := h.login("nobody@example.com", testPassword, "10.0.0.1")

	h.users.setActive(pair.User.ID, false)
	_, inactive := h.login("alice@example.com", testPassword, "10.0.0.1")

	for _, err := range []error{wrongPassword, unknownEmail, inactive} {
		require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
		shape := appErrors.FromError(err)
		assert.Equal(t, "INVALID_CREDENTIALS", shape.Code)
		assert.Equal(t, 401, shape.Status)
		assert.Equal(t, appErrors.ErrInvalidCredentials.Message, shape.Message)
		assert.Equal(t, appErrors.ErrInvalidCredentials.Error(), err.Error())
	}
}

func TestLoginThrottleScenario(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "bob@example.com", testPassword)

	for i := 0; i < 5; i++ {
		_, err := h.login("bob@example.com", "wrong password", "1.2.3.4")
		require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	}

	_, err := h.login("bob@example.com", testPassword, "1.2.3.4")
	require.ErrorIs(t, err, appErrors.ErrThrottled)

	// Other sources are unaffected.
	_, err = h.login("bob@example.com", testPassword, "5.6.7.8")
	require.NoError(t, err)

	h.clock.Advance(15*time.Minute + time.Second)
	_, err = h.login("bob@example.com", testPassword, "1.2.3.4")
	require.NoError(t, err)
}

func TestLoginThrottledAttemptsDoNotExtendWindow(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "bob@example.com", testPassword)
	for i := 0; i < 5; i++ {
		_, _ = h.login("bob@example.com", "wrong", "1.2.3.4")
	}
	h.clock.Advance(10 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := h.login("bob@example.com", testPassword, "1.2.3.4")
		require.ErrorIs(t, err, appErrors.ErrThrottled)
	}
	h.clock.Advance(5*time.Minute + time.Second)
	_, err := h.login("bob@example.com", testPassword, "1.2.3.4")
	require.NoError(t, err)
}

func TestLoginUpgradesLegacyBcryptDigest(t *testing.T) {
	h := newAuthHarness(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{Email: "legacy@example.com", PasswordHash: string(legacy), Active: true}
	require.NoError(t, h.users.Create(context.Background(), user))

	_, err = h.login("legacy@example.com", testPassword, "10.0.0.1")
	require.NoError(t, err)

	stored, err := h.users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.PasswordHash, "$argon2id$")

	_, err = h.login("legacy@example.com", testPassword, "10.0.0.1")
	require.NoError(t, err)
}

func TestRefreshRotationAndReuseScenario(t *testing.T) {
	h := newAuthHarness(t)
	t0 := h.register(t, "alice@example.com", testPassword)
	family := h.tokens.byHash(HashRefreshToken(t0.RefreshToken)).FamilyID

	t1, err := h.refresh(t0.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, t0.RefreshToken, t1.RefreshToken)
	assert.NotEqual(t, t0.AccessToken, t1.AccessToken)

	rotated := h.tokens.byHash(HashRefreshToken(t0.RefreshToken))
	next := h.tokens.byHash(HashRefreshToken(t1.RefreshToken))
	require.True(t, rotated.Rotated())
	assert.Equal(t, next.ID, *rotated.ReplacedBy)
	assert.Equal(t, family, next.FamilyID)

	_, err = h.refresh(t0.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrReuseDetected)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Error(), err.Error())

	_, err = h.refresh(t1.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)

	assert.Empty(t, h.tokens.active(h.clock.Now()))
	revoked := h.events.ofType(models.SecurityEventTokenRevoked)
	require.Len(t, revoked, 1)
	assert.Contains(t, string(revoked[0].Metadata), models.RevokeReasonReuseDetected)
	assert.Equal(t, uint64(1), h.metrics.Snapshot().ReuseDetections)
}

func TestReuseRevokesOnlyCompromisedFamily(t *testing.T) {
	h := newAuthHarness(t)
	laptop := h.register(t, "alice@example.com", testPassword)
	phone, err := h.login("alice@example.com", testPassword, "10.0.0.9")
	require.NoError(t, err)

	_, err = h.refresh(laptop.RefreshToken)
	require.NoError(t, err)
	_, err = h.refresh(laptop.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrReuseDetected)

	_, err = h.refresh(phone.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRejectsUnknownExpiredAndRevoked(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)

	_, err := h.refresh("forged-value")
	require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)

	require.NoError(t, h.svc.Logout(context.Background(), pair.AccessToken, models.ClientMeta{}))
	_, err = h.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)
	assert.NotErrorIs(t, err, appErrors.ErrReuseDetected)

	fresh, err := h.login("alice@example.com", testPassword, "10.0.0.1")
	require.NoError(t, err)
	h.clock.Advance(30*24*time.Hour + time.Second)
	_, err = h.refresh(fresh.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)
}

func TestRefreshForInactiveUserRevokesFamily(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)
	h.users.setActive(pair.User.ID, false)

	_, err := h.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrInactiveAccount)
	assert.Empty(t, h.tokens.active(h.clock.Now()))
}

func TestRefreshInactiveUserDoesNotRotateFirst(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)
	h.users.setActive(pair.User.ID, false)

	_, err := h.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrInactiveAccount)

	record, err := h.svc.store.Lookup(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Rotated())
	require.NotNil(t, record.RevokedReason)
	assert.Equal(t, models.RevokeReasonInactive, *record.RevokedReason)
}

func TestRefreshUserLookupFailureIsRetryable(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)

	boom := errors.New("connection reset")
	h.users.err = boom
	_, err := h.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "INTERNAL_ERROR", appErrors.FromError(err).Code)

	h.users.err = nil
	next, err := h.refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotErrorIs(t, err, appErrors.ErrReuseDetected)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Len(t, h.tokens.active(h.clock.Now()), 1)
	assert.Empty(t, h.events.ofType(models.SecurityEventTokenRevoked))
}

func TestLogoutRevokesDeviceAndDeniesAccessToken(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)

	_, err := h.svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(context.Background(), pair.AccessToken, models.ClientMeta{IP: "10.0.0.1"}))

	_, err = h.svc.Authenticate(context.Background(), pair.AccessToken)
	require.ErrorIs(t, err, appErrors.ErrInvalidToken)
	assert.Len(t, h.events.ofType(models.SecurityEventLogout), 1)

	err = h.svc.Logout(context.Background(), "garbage", models.ClientMeta{})
	require.ErrorIs(t, err, appErrors.ErrInvalidToken)
}

func TestChangePasswordRevokesAllFamilies(t *testing.T) {
	h := newAuthHarness(t)
	first := h.register(t, "alice@example.com", testPassword)
	second, err := h.login("alice@example.com", testPassword, "10.0.0.2")
	require.NoError(t, err)

	err = h.svc.ChangePassword(context.Background(), first.User.ID, models.ChangePasswordRequest{
		OldPassword: "wrong password",
		NewPassword: "brand new password",
	})
	require.ErrorIs(t, err, appErrors.ErrPasswordMismatch)

	err = h.svc.ChangePassword(context.Background(), first.User.ID, models.ChangePasswordRequest{
		OldPassword: testPassword,
		NewPassword: "brand new password",
	})
	require.NoError(t, err)

	for _, value := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := h.refresh(value)
		require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)
	}

	_, err = h.login("alice@example.com", testPassword, "10.0.0.3")
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	_, err = h.login("alice@example.com", "brand new password", "10.0.0.3")
	require.NoError(t, err)
	assert.Len(t, h.events.ofType(models.SecurityEventPasswordChange), 1)
}

func TestPasswordResetFlow(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)
	ctx := context.Background()

	require.NoError(t, h.svc.ForgotPassword(ctx, models.ResetPasswordRequest{Email: "nobody@example.com"}))
	assert.Empty(t, h.sender.last())

	require.NoError(t, h.svc.ForgotPassword(ctx, models.ResetPasswordRequest{Email: "alice@example.com"}))
	token := h.sender.last()
	require.NotEmpty(t, token)

	require.NoError(t, h.svc.ResetPassword(ctx, models.ConfirmResetPasswordRequest{Token: token, NewPassword: "reset password 1"}))

	_, err := h.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)

	err = h.svc.ResetPassword(ctx, models.ConfirmResetPasswordRequest{Token: token, NewPassword: "reset password 2"})
	require.ErrorIs(t, err, appErrors.ErrInvalidResetToken)

	_, err = h.login("alice@example.com", "reset password 1", "10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, h.events.ofType(models.SecurityEventPasswordReset), 1)
}

func TestPasswordResetTokenExpires(t *testing.T) {
	h := newAuthHarness(t)
	h.register(t, "alice@example.com", testPassword)
	ctx := context.Background()

	require.NoError(t, h.svc.ForgotPassword(ctx, models.ResetPasswordRequest{Email: "alice@example.com"}))
	h.clock.Advance(31 * time.Minute)

	err := h.svc.ResetPassword(ctx, models.ConfirmResetPasswordRequest{Token: h.sender.last(), NewPassword: "reset password 1"})
	require.ErrorIs(t, err, appErrors.ErrInvalidResetToken)
}

func TestDevicesAndRevocation(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	pair, err := h.svc.Register(ctx, models.RegisterRequest{
		Email:             "alice@example.com",
		Password:          testPassword,
		DeviceFingerprint: "browser-1",
		DeviceName:        "Firefox",
	})
	require.NoError(t, err)

	again, err := h.svc.Login(ctx, models.LoginRequest{
		Email:             "alice@example.com",
		Password:          testPassword,
		DeviceFingerprint: "browser-1",
	})
	require.NoError(t, err)

	devices, err := h.svc.ListDevices(ctx, pair.User.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Firefox", devices[0].Name)

	require.ErrorIs(t, h.svc.RevokeDevice(ctx, "someone-else", devices[0].ID, models.ClientMeta{}), appErrors.ErrDeviceNotFound)
	require.NoError(t, h.svc.RevokeDevice(ctx, pair.User.ID, devices[0].ID, models.ClientMeta{}))

	for _, value := range []string{pair.RefreshToken, again.RefreshToken} {
		_, err := h.refresh(value)
		require.ErrorIs(t, err, appErrors.ErrInvalidRefreshToken)
	}
	assert.Len(t, h.events.ofType(models.SecurityEventDeviceRevoked), 1)
}

func TestMeAndSecurityEvents(t *testing.T) {
	h := newAuthHarness(t)
	ctx := context.Background()
	pair := h.register(t, "alice@example.com", testPassword)

	me, err := h.svc.Me(ctx, pair.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)

	_, err = h.svc.Me(ctx, "missing")
	require.ErrorIs(t, err, appErrors.ErrUserNotFound)

	events, page, err := h.svc.ListSecurityEvents(ctx, pair.User.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 1, page.TotalCount)

	file, err := h.svc.ExportSecurityEvents(ctx, pair.User.ID, "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", file.ContentType)
	assert.Contains(t, string(file.Data), "register")

	_, err = h.svc.ExportSecurityEvents(ctx, pair.User.ID, "xlsx")
	require.ErrorIs(t, err, appErrors.ErrUnsupportedFormat)
}

func TestInfrastructureErrorsPropagate(t *testing.T) {
	h := newAuthHarness(t)
	pair := h.register(t, "alice@example.com", testPassword)

	boom := errors.New("connection refused")
	h.tokens.err = boom
	_, err := h.refresh(pair.RefreshToken)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, appErrors.ErrInvalidRefreshToken)
	assert.Equal(t, "INTERNAL_ERROR", appErrors.FromError(err).Code)

	h.tokens.err = nil
	h.users.err = boom
	_, err = h.login("alice@example.com", testPassword, "10.0.0.1")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, appErrors.ErrInvalidCredentials)
}
