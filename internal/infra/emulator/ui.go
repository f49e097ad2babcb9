package emulator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/app/confirmation"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/apk"
)

var errNoOpener = errors.New("emulator has no confirmation surface opener")

// resultFirstUser is the first activity result code free for app use.
const resultFirstUser = 1

// screen is the window hosting one confirmation surface.
type screen struct {
	device      *Device
	intent      session.Intent
	requestCode int
	surface     *confirmation.Surface
	ready       chan struct{}
}

func (s *screen) StartForResult(intent session.Intent, requestCode int) error {
	d := s.device
	d.mu.Lock()
	s.requestCode = requestCode
	d.prompts[intent.SessionID.String()] = s
	policy := d.policy
	d.mu.Unlock()

	d.logger.Debug(context.Background(), "confirmation prompt shown",
		"session_id", intent.SessionID.String(), "action", string(intent.Action))
	if policy != PolicyManual {
		go d.answer(s, policy == PolicyAccept)
	}
	return nil
}

func (s *screen) Finish() {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prompts[s.intent.SessionID.String()] == s {
		delete(d.prompts, s.intent.SessionID.String())
	}
}

// Start opens the confirmation surface for intent, as tapping a
// notification or an app launching an activity would.
func (d *Device) Start(ctx context.Context, intent session.Intent) error {
	d.mu.Lock()
	opener := d.opener
	d.mu.Unlock()
	if opener == nil {
		return errNoOpener
	}

	s := &screen{device: d, intent: intent, ready: make(chan struct{})}
	surface, err := opener.Open(ctx, intent, s, nil)
	if err != nil {
		return fmt.Errorf("opening confirmation: %w", err)
	}
	s.surface = surface
	close(s.ready)
	return nil
}

// Prompts returns the sessions with a confirmation on screen.
func (d *Device) Prompts() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uuid.UUID, 0, len(d.prompts))
	for _, s := range d.prompts {
		out = append(out, s.intent.SessionID)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Respond answers the confirmation shown for id.
func (d *Device) Respond(id uuid.UUID, accept bool) error {
	d.mu.Lock()
	s, ok := d.prompts[id.String()]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPrompt, id)
	}
	d.answer(s, accept)
	return nil
}

// Back dismisses the confirmation shown for id without answering it.
func (d *Device) Back(id uuid.UUID) error {
	d.mu.Lock()
	s, ok := d.prompts[id.String()]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPrompt, id)
	}
	<-s.ready
	s.surface.OnBack()
	return nil
}

func (d *Device) answer(s *screen, accept bool) {
	<-s.ready
	ctx := context.Background()
	log := d.logger.With("session_id", s.intent.SessionID.String(), "action", string(s.intent.Action), "accept", accept)

	resultCode, data, err := d.perform(ctx, s.intent, accept)
	if err != nil {
		log.Error(ctx, "confirmation answer failed", "error", err)
	}
	log.Debug(ctx, "confirmation answered", "result_code", resultCode)
	s.surface.OnResult(s.requestCode, resultCode, data)
}

// perform carries out the confirmed action and returns the activity result.
func (d *Device) perform(ctx context.Context, intent session.Intent, accept bool) (int, *session.Intent, error) {
	switch intent.Action {
	case session.ActionConfirmInstall:
		nativeID, err := strconv.Atoi(strings.TrimPrefix(intent.Data, "session:"))
		if err != nil {
			return confirmation.ResultCanceled, nil, fmt.Errorf("bad native session reference %q: %w", intent.Data, err)
		}
		if !accept {
			return confirmation.ResultCanceled, nil, d.finishInstall(ctx, nativeID, false)
		}
		return confirmation.ResultOK, nil, d.finishInstall(ctx, nativeID, true)

	case session.ActionConfirmUninstall:
		target := d.uninstallTarget(intent)
		if !accept {
			return confirmation.ResultCanceled, nil, d.status.PublishStatus(ctx, session.StatusBroadcast{
				Target: target, Status: session.StatusFailureAborted, Message: "User cancelled",
			})
		}
		b := session.StatusBroadcast{Target: target, Status: session.StatusSuccess}
		if !d.uninstall(strings.TrimPrefix(intent.Data, "package:")) {
			b = session.StatusBroadcast{Target: target, Status: session.StatusFailure, Message: "Package not installed"}
		}
		return confirmation.ResultOK, nil, d.status.PublishStatus(ctx, b)

	case session.ActionIntentInstall:
		if !accept {
			return confirmation.ResultCanceled, nil, nil
		}
		path, err := apk.LocalPath(intent.Data)
		if err != nil {
			return resultFirstUser, nil, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return resultFirstUser, nil, err
		}
		d.Install(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), content)
		return confirmation.ResultOK, nil, nil

	case session.ActionIntentUninstall:
		if !accept {
			return confirmation.ResultCanceled, nil, nil
		}
		if !d.uninstall(strings.TrimPrefix(intent.Data, "package:")) {
			return resultFirstUser, &session.Intent{
				Extras: map[string]string{confirmation.ExtraResultMessage: "Package not installed"},
			}, nil
		}
		return confirmation.ResultOK, nil, nil
	}
	return confirmation.ResultCanceled, nil, fmt.Errorf("unsupported action %s", intent.Action)
}

func (d *Device) uninstallTarget(intent session.Intent) session.StatusTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.uninstalls[intent.SessionID.String()]; ok {
		delete(d.uninstalls, intent.SessionID.String())
		return t
	}
	return session.StatusTarget{
		Action:      session.ActionUninstallStatus,
		SessionID:   intent.SessionID,
		SessionType: session.TypeUninstall,
	}
}

// Notify posts n. Unless the policy is manual, the simulated user taps it
// right away.
func (d *Device) Notify(ctx context.Context, n confirmation.Notification) error {
	d.mu.Lock()
	d.notes[noteKey(n.Tag, n.ID)] = n
	policy := d.policy
	d.mu.Unlock()

	d.logger.Debug(ctx, "notification posted", "tag", n.Tag, "id", n.ID, "title", n.Title)
	if policy != PolicyManual {
		go func() {
			if err := d.Tap(context.Background(), n.Tag); err != nil {
				d.logger.Warn(context.Background(), "tapping notification failed", "tag", n.Tag, "error", err)
			}
		}()
	}
	return nil
}

func (d *Device) Cancel(tag string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.notes, noteKey(tag, id))
}

// Notifications returns the posted notifications ordered by tag.
func (d *Device) Notifications() []confirmation.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Collect(maps.Values(d.notes))
	slices.SortFunc(out, func(a, b confirmation.Notification) int {
		return cmp.Or(strings.Compare(a.Tag, b.Tag), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Tap opens the notification posted with tag and dismisses it.
func (d *Device) Tap(ctx context.Context, tag string) error {
	d.mu.Lock()
	var (
		n     confirmation.Notification
		found bool
	)
	for k, note := range d.notes {
		if note.Tag == tag {
			n, found = note, true
			delete(d.notes, k)
			break
		}
	}
	d.mu.Unlock()
	if !found {
		return fmt.Errorf("no notification with tag %s", tag)
	}
	return d.Start(ctx, n.Intent)
}

func noteKey(tag string, id int) string { return tag + "/" + strconv.Itoa(id) }
