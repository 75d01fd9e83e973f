package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/terminus-io/dquot/pkg/dquot"
)

type EventType int

const (
	EventWarn EventType = iota
	EventClear
)

const component = "dquotd"

type Event struct {
	Type    EventType
	Warning dquot.Warning
	At      time.Time
}

// Record is the last warning delivered for one quota identity.
type Record struct {
	Key     dquot.Key `json:"key"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Count   int       `json:"count"`
}

// AsyncNotifier takes warnings off the accounting path. Warn never blocks:
// when the buffer is full the warning is dropped.
type AsyncNotifier struct {
	data     map[dquot.Key]Record
	mu       sync.RWMutex
	updateCh chan Event
	kClient  kubernetes.Interface
	nodeName string
	clock    clock.PassiveClock
	dropped  atomic.Uint64
}

var _ dquot.Warner = &AsyncNotifier{}

// NewAsyncNotifier builds a notifier. With a non-nil kclient every warning
// is also published as an event on the node.
func NewAsyncNotifier(bufferSize int, kclient kubernetes.Interface, nodeName string) *AsyncNotifier {
	return &AsyncNotifier{
		data:     make(map[dquot.Key]Record),
		updateCh: make(chan Event, bufferSize),
		kClient:  kclient,
		nodeName: nodeName,
		clock:    clock.RealClock{},
	}
}

func (n *AsyncNotifier) Warn(_ context.Context, w dquot.Warning) {
	select {
	case n.updateCh <- Event{Type: EventWarn, Warning: w, At: n.clock.Now()}:
	default:
		n.dropped.Add(1)
		klog.ErrorS(nil, "Quota warning channel full, dropping warning", "key", w.Key, "kind", w.Kind)
	}
}

// Clear forgets the last warning of key, e.g. after its limits changed.
func (n *AsyncNotifier) Clear(key dquot.Key) {
	select {
	case n.updateCh <- Event{Type: EventClear, Warning: dquot.Warning{Key: key}}:
	default:
		n.dropped.Add(1)
		klog.ErrorS(nil, "Quota warning channel full, dropping clear", "key", key)
	}
}

func (n *AsyncNotifier) Run(ctx context.Context) {
	klog.Info("Async quota notifier worker started")

	for {
		select {
		case <-ctx.Done():
			klog.Info("Async quota notifier worker stopped")
			return
		case event := <-n.updateCh:
			n.handleEvent(ctx, event)
		}
	}
}

func (n *AsyncNotifier) handleEvent(ctx context.Context, e Event) {
	key := e.Warning.Key
	switch e.Type {
	case EventWarn:
		n.mu.Lock()
		rec := n.data[key]
		rec.Key = key
		rec.Kind = e.Warning.Kind.String()
		rec.Message = e.Warning.Kind.Message()
		rec.At = e.At
		rec.Count++
		n.data[key] = rec
		n.mu.Unlock()

		klog.InfoS("Quota warning", "fs", key.FS, "type", key.Type, "id", key.ID,
			"kind", rec.Kind, "message", rec.Message)
		if n.kClient != nil {
			n.publish(ctx, e.Warning, e.At)
		}

	case EventClear:
		n.mu.Lock()
		delete(n.data, key)
		n.mu.Unlock()
		klog.V(4).InfoS("Cleared quota warning", "key", key)
	}
}

func (n *AsyncNotifier) publish(ctx context.Context, w dquot.Warning, at time.Time) {
	eventType := corev1.EventTypeWarning
	if w.Kind == dquot.InodeSoftWarn || w.Kind == dquot.BlockSoftWarn {
		eventType = corev1.EventTypeNormal
	}
	ev := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: component + "-",
			Namespace:    metav1.NamespaceDefault,
		},
		InvolvedObject: corev1.ObjectReference{
			Kind: "Node",
			Name: n.nodeName,
		},
		Reason:         reason(w.Kind),
		Message:        fmt.Sprintf("%s %s quota of id %d on %s: %s", w.Key.Type, kindNoun(w.Kind), w.Key.ID, w.Key.FS, w.Kind.Message()),
		Type:           eventType,
		Source:         corev1.EventSource{Component: component, Host: n.nodeName},
		FirstTimestamp: metav1.NewTime(at),
		LastTimestamp:  metav1.NewTime(at),
		Count:          1,
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := n.kClient.CoreV1().Events(metav1.NamespaceDefault).Create(ctx, ev, metav1.CreateOptions{}); err != nil {
		klog.ErrorS(err, "Cannot publish quota warning event", "node", n.nodeName, "key", w.Key)
	}
}

// reason turns "block-soft-long" into "QuotaBlockSoftLong".
func reason(kind dquot.WarningKind) string {
	var b strings.Builder
	b.WriteString("Quota")
	for _, part := range strings.Split(kind.String(), "-") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

func kindNoun(kind dquot.WarningKind) string {
	switch kind {
	case dquot.InodeHardWarn, dquot.InodeSoftLongWarn, dquot.InodeSoftWarn:
		return "inode"
	}
	return "block"
}

func (n *AsyncNotifier) Get(key dquot.Key) (Record, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	val, ok := n.data[key]
	return val, ok
}

// List returns the last warning of every identity, newest first.
func (n *AsyncNotifier) List() []Record {
	n.mu.RLock()
	out := make([]Record, 0, len(n.data))
	for _, rec := range n.data {
		out = append(out, rec)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Dropped is the number of events lost to a full buffer.
func (n *AsyncNotifier) Dropped() uint64 { return n.dropped.Load() }
