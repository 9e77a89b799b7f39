package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/reactbench/reactbench/internal/bus"
	"github.com/reactbench/reactbench/internal/dataset"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/store"
)

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// pgNotifyBackend observes the scores table through an AFTER ROW trigger that
// publishes every change with pg_notify. One LISTEN connection feeds the bus,
// which fans notifications out to the subscriptions of their class.
type pgNotifyBackend struct {
	store    store.Store
	settings dataset.Settings
	dsn      string
	channel  string
	notifier *bus.Notifier

	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	pumps    sync.WaitGroup

	closeOnce sync.Once
}

func newPGNotifyBackend(deps Deps) (Backend, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("backend pg-notify: store is required")
	}
	if deps.Store.Dialect() != store.Postgres {
		return nil, bencherr.NewConfigError(bencherr.CodeInvalidConfig,
			"backend pg-notify requires a postgres database driver")
	}
	if !channelPattern.MatchString(deps.Config.Channel) {
		return nil, bencherr.NewConfigError(bencherr.CodeInvalidConfig,
			fmt.Sprintf("invalid notification channel name %q", deps.Config.Channel))
	}

	bufferSize := deps.Config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	return &pgNotifyBackend{
		store:    deps.Store,
		settings: deps.Settings,
		dsn:      deps.DSN,
		channel:  deps.Config.Channel,
		notifier: bus.NewNotifier(bufferSize),
	}, nil
}

func (b *pgNotifyBackend) Name() string {
	return "pg-notify"
}

// TriggerStatements installs the notification trigger on the scores table.
func TriggerStatements(channel string) []string {
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION reactbench_notify() RETURNS trigger AS $$
DECLARE
	r scores%%ROWTYPE;
BEGIN
	IF TG_OP = 'DELETE' THEN
		r := OLD;
	ELSE
		r := NEW;
	END IF;
	PERFORM pg_notify('%s', json_build_object(
		'op', lower(TG_OP),
		'score_id', r.id,
		'assignment_id', r.assignment_id,
		'student_id', r.student_id,
		'score', r.score)::text);
	RETURN r;
END;
$$ LANGUAGE plpgsql`, channel),
		"DROP TRIGGER IF EXISTS reactbench_scores_notify ON scores",
		"CREATE TRIGGER reactbench_scores_notify AFTER INSERT OR UPDATE OR DELETE ON scores FOR EACH ROW EXECUTE FUNCTION reactbench_notify()",
	}
}

// Start installs the trigger and begins listening.
func (b *pgNotifyBackend) Start(ctx context.Context) error {
	if err := dataset.ExecSequence(ctx, b.store, TriggerStatements(b.channel)); err != nil {
		return fmt.Errorf("backend pg-notify: install trigger: %w", err)
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.WithError(err).Warn("pg listener error")
		}
	}
	listener := pq.NewListener(b.dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(b.channel); err != nil {
		listener.Close()
		return fmt.Errorf("backend pg-notify: listen %s: %w", b.channel, err)
	}
	logging.Infof("listening on pg_notify channel '%s'", b.channel)

	ctx, cancel := context.WithCancel(ctx)
	b.listener = listener
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.listen(ctx)
	return nil
}

func (b *pgNotifyBackend) listen(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect
			if n == nil {
				continue
			}
			notif, err := decodeNotification(b.settings, n.Extra)
			if err != nil {
				logging.WithError(err).Warn("undecodable notification payload")
				continue
			}
			b.notifier.Publish(notif)
		case <-time.After(90 * time.Second):
			go b.listener.Ping()
		}
	}
}

type notifyPayload struct {
	Op string `json:"op"`
	dataset.Score
}

func decodeNotification(s dataset.Settings, payload string) (bus.Notification, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return bus.Notification{}, err
	}

	var op bus.Op
	switch p.Op {
	case "insert":
		op = bus.OpInsert
	case "update":
		op = bus.OpUpdate
	case "delete":
		op = bus.OpDelete
	default:
		return bus.Notification{}, fmt.Errorf("unknown operation %q", p.Op)
	}

	return bus.Notification{
		Op:      op,
		ClassID: s.ClassOf(p.AssignmentID),
		Row:     p.Score,
	}, nil
}

// Subscribe joins the bus for the query's class before reading the initial
// result so no change committed in between is missed.
func (b *pgNotifyBackend) Subscribe(ctx context.Context, q Query, h Handler) (Subscription, error) {
	sub := b.notifier.Subscribe(q.ClassID)

	rows, err := queryScores(ctx, b.store, q)
	if err != nil {
		b.notifier.Unsubscribe(sub.ID)
		return nil, fmt.Errorf("backend pg-notify: initial query for class %d: %w", q.ClassID, err)
	}
	for _, row := range rows {
		h(Event{Kind: EventInsert, ClassID: q.ClassID, Row: &row})
	}

	b.pumps.Add(1)
	go func() {
		defer b.pumps.Done()
		for notif := range sub.Ch {
			h(eventFromNotification(notif))
		}
	}()

	return &busSubscription{id: uuid.NewString(), busID: sub.ID, notifier: b.notifier}, nil
}

func eventFromNotification(n bus.Notification) Event {
	row := n.Row
	ev := Event{ClassID: n.ClassID, Row: &row}
	switch n.Op {
	case bus.OpInsert:
		ev.Kind = EventInsert
	case bus.OpUpdate:
		ev.Kind = EventUpdate
	case bus.OpDelete:
		ev.Kind = EventDelete
	}
	return ev
}

// Close stops listening, then closes the bus so every pump drains and exits.
func (b *pgNotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.listener != nil {
			b.cancel()
			<-b.done
			err = b.listener.Close()
		}
		b.notifier.Close()
		b.pumps.Wait()

		if dropped := b.notifier.Dropped(); dropped > 0 {
			logging.WithField("dropped", dropped).Warn("notifications dropped by full subscriber buffers")
		}
	})
	return err
}

type busSubscription struct {
	id       string
	busID    string
	notifier *bus.Notifier
}

func (s *busSubscription) ID() string {
	return s.id
}

func (s *busSubscription) Close() error {
	s.notifier.Unsubscribe(s.busID)
	return nil
}
