package services

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/auth"
	"github.com/uneseule/uneseule-backend/internal/models"
)

func TestRegisterDevice(t *testing.T) {
	f := newFixture(t)

	reg := f.register("T-100")
	assert.Len(t, reg.Secret, 64)
	assert.NotContains(t, string(reg.Device.SealedSecret), reg.Secret)
	assert.False(t, reg.Device.IsPaired())
	assert.True(t, reg.Device.IsActive)

	_, err := f.svc.Devices.Register(f.ctx, RegisterRequest{SerialNumber: "T-100"})
	assert.ErrorIs(t, err, apperr.ErrSerialExists)

	_, err = f.svc.Devices.Register(f.ctx, RegisterRequest{SerialNumber: "  "})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidRequest, e.Code)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	reg := f.register("T-100")
	body := []byte(`{"child_id":"c"}`)

	device, err := f.svc.Devices.Authenticate(f.ctx, f.signed(reg, body))
	require.NoError(t, err)
	assert.Equal(t, reg.Device.ID, device.ID)
	require.NotNil(t, device.LastSeen)
	assert.Equal(t, f.clock.Now(), *device.LastSeen)

	t.Run("flipped body byte", func(t *testing.T) {
		req := f.signed(reg, body)
		req.Body = []byte(`{"child_id":"d"}`)
		_, err := f.svc.Devices.Authenticate(f.ctx, req)
		assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
	})

	t.Run("flipped signature byte", func(t *testing.T) {
		req := f.signed(reg, body)
		sig := []byte(req.Signature)
		if sig[0] == 'a' {
			sig[0] = 'b'
		} else {
			sig[0] = 'a'
		}
		req.Signature = string(sig)
		_, err := f.svc.Devices.Authenticate(f.ctx, req)
		assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
	})

	t.Run("stale even when correctly signed", func(t *testing.T) {
		ts := strconv.FormatInt(f.clock.Now().Add(-6*time.Minute).Unix(), 10)
		req := auth.SignedRequest{Serial: "T-100", Timestamp: ts, Body: body,
			Signature: auth.SignDevice(reg.Secret, "T-100", ts, body)}
		_, err := f.svc.Devices.Authenticate(f.ctx, req)
		assert.ErrorIs(t, err, apperr.ErrStaleRequest)
	})

	t.Run("stale before unknown device", func(t *testing.T) {
		ts := strconv.FormatInt(f.clock.Now().Add(10*time.Minute).Unix(), 10)
		_, err := f.svc.Devices.Authenticate(f.ctx, auth.SignedRequest{Serial: "nope", Timestamp: ts, Signature: "00"})
		assert.ErrorIs(t, err, apperr.ErrStaleRequest)
	})

	t.Run("unknown device", func(t *testing.T) {
		ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
		_, err := f.svc.Devices.Authenticate(f.ctx, auth.SignedRequest{Serial: "nope", Timestamp: ts, Signature: "00"})
		assert.ErrorIs(t, err, apperr.ErrUnknownDevice)
	})

	t.Run("replay", func(t *testing.T) {
		f.clock.Advance(time.Second)
		req := f.signed(reg, nil)
		_, err := f.svc.Devices.Authenticate(f.ctx, req)
		require.NoError(t, err)
		_, err = f.svc.Devices.Authenticate(f.ctx, req)
		assert.ErrorIs(t, err, apperr.ErrStaleRequest)
	})
}

func TestPairConflicts(t *testing.T) {
	f := newFixture(t)
	child := f.addChild("A", models.TierFree, models.StatusActive)
	other := f.addChild("B", models.TierFree, models.StatusActive)

	first := f.pairedDevice("P-1", child)
	second := f.register("P-2").Device

	_, err := f.svc.Devices.Pair(f.ctx, first, other.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyPaired)

	_, err = f.svc.Devices.Pair(f.ctx, second, child.ID)
	assert.ErrorIs(t, err, apperr.ErrChildAlreadyHasDevice)

	_, err = f.svc.Devices.Pair(f.ctx, second, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrChildNotFound)

	paired, err := f.svc.Devices.Pair(f.ctx, second, other.ID)
	require.NoError(t, err)
	assert.True(t, paired.IsPairedWith(other.ID))
}

func TestUnpairRequiresPairing(t *testing.T) {
	f := newFixture(t)
	device := f.register("U-1").Device
	assert.ErrorIs(t, f.svc.Devices.Unpair(f.ctx, device), apperr.ErrNotPaired)
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture(t)
	device := f.register("S-1").Device

	bad := 120
	_, err := f.svc.Devices.ReportStatus(f.ctx, device, models.DeviceStatus{BatteryLevel: &bad})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidRequest, e.Code)

	_, err = f.svc.Devices.ReportStatus(f.ctx, device, models.DeviceStatus{ConnectionState: "hibernating"})
	assert.Error(t, err)

	level := 80
	health, err := f.svc.Devices.ReportStatus(f.ctx, device, models.DeviceStatus{
		BatteryLevel:    &level,
		ConnectionState: models.ConnectionOnline,
		FirmwareVersion: "1.4.2",
	})
	require.NoError(t, err)
	assert.Equal(t, "unpaired", health.Status)
	assert.Equal(t, 80, *health.BatteryLevel)
	assert.Equal(t, models.ConnectionOnline, health.ConnectionState)
	assert.Equal(t, "1.4.2", health.FirmwareVersion)
	assert.Equal(t, f.clock.Now(), health.ServerTime)
}

func TestDeactivateAndReactivate(t *testing.T) {
	f := newFixture(t)
	child := f.addChild("A", models.TierPremium, models.StatusActive)
	device := f.pairedDevice("D-1", child)

	issued, err := f.svc.Tokens.IssueOrRenew(f.ctx, device.ID, child.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Devices.Deactivate(f.ctx, device.ID))
	assert.Equal(t, []string{issued.Token.SessionRef}, f.provider.terminated)
	_, err = f.svc.Tokens.IssueOrRenew(f.ctx, device.ID, child.ID)
	assert.ErrorIs(t, err, apperr.ErrDeviceDeactivated)

	health, err := f.svc.Devices.Health(f.ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, "deactivated", health.Status)

	require.NoError(t, f.svc.Devices.Reactivate(f.ctx, device.ID))
	again, err := f.svc.Tokens.IssueOrRenew(f.ctx, device.ID, child.ID)
	require.NoError(t, err)
	assert.False(t, again.Renewed)

	assert.ErrorIs(t, f.svc.Devices.Deactivate(f.ctx, uuid.New()), apperr.ErrUnknownDevice)
}

func TestReactivateConflictsWithReplacementDevice(t *testing.T) {
	f := newFixture(t)
	child := f.addChild("A", models.TierPremium, models.StatusActive)
	old := f.pairedDevice("R-1", child)
	require.NoError(t, f.svc.Devices.Deactivate(f.ctx, old.ID))

	f.pairedDevice("R-2", child)

	assert.ErrorIs(t, f.svc.Devices.Reactivate(f.ctx, old.ID), apperr.ErrChildAlreadyHasDevice)
}

// issueDuring starts an issuance against a slow upstream and runs revoke
// while the mint is in flight
func issueDuring(t *testing.T, serial string, revoke func(f *fixture, device *models.Device) error) (*fixture, *models.Device, error) {
	f := newFixtureWith(t, testConfig(), &fakeProvider{delay: 300 * time.Millisecond})
	child := f.addChild("A", models.TierPremium, models.StatusActive)
	device := f.pairedDevice(serial, child)

	var (
		wg       sync.WaitGroup
		issued   *IssuedToken
		issueErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		issued, issueErr = f.svc.Tokens.IssueOrRenew(f.ctx, device.ID, child.ID)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, revoke(f, device))
	wg.Wait()

	for _, tok := range f.stores.Tokens.All() {
		assert.NotEqual(t, models.TokenActive, tok.State, "token %s outlived the revocation", tok.SessionRef)
	}
	if issueErr == nil {
		assert.Contains(t, f.provider.terminated, issued.Token.SessionRef)
	}
	return f, device, issueErr
}

func TestUnpairDuringIssueLeavesNoLiveToken(t *testing.T) {
	f, device, err := issueDuring(t, "UI-1", func(f *fixture, device *models.Device) error {
		return f.svc.Devices.Unpair(f.ctx, device)
	})
	if err != nil {
		assert.ErrorIs(t, err, apperr.ErrNotPaired)
	}

	stored, err := f.stores.Devices.GetByID(f.ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPaired())
}

func TestDeactivateDuringIssueLeavesNoLiveToken(t *testing.T) {
	f, device, err := issueDuring(t, "DI-1", func(f *fixture, device *models.Device) error {
		return f.svc.Devices.Deactivate(f.ctx, device.ID)
	})
	if err != nil {
		assert.ErrorIs(t, err, apperr.ErrDeviceDeactivated)
	}

	stored, err := f.stores.Devices.GetByID(f.ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestUnpairWaitsForPairLock(t *testing.T) {
	cfg := testConfig()
	cfg.Token.LockTTL = 50 * time.Millisecond
	f := newFixtureWith(t, cfg, &fakeProvider{})
	child := f.addChild("A", models.TierPremium, models.StatusActive)
	device := f.pairedDevice("UL-1", child)

	unlock, err := f.cache.Lock(f.ctx, tokenLockKey(device.ID, child.ID), time.Second)
	require.NoError(t, err)
	defer unlock()

	assert.ErrorIs(t, f.svc.Devices.Unpair(f.ctx, device), apperr.ErrTimeout)
	stored, err := f.stores.Devices.GetByID(f.ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPairedWith(child.ID))
}
