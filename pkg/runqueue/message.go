package runqueue

import (
	"strconv"
	"strings"
	"time"

	"github.com/runlane/runlane/pkg/enums"
)

// memberSeparator joins the fixed fields of queue members and worker queue
// entries. It is a non-printable unit separator, so run ids and queue names
// never contain it, and legacy members (a bare run id with no separator)
// remain distinguishable.
const memberSeparator = "\x1f"

// QueueMember is one runnable attempt stored in a tenant queue's sorted set.
// Its sorted-set score is the effective ordering timestamp.
type QueueMember struct {
	RunID       string
	WorkerQueue string
	Attempt     int
	EnvType     enums.EnvironmentType
}

func (m QueueMember) Encode() string {
	return strings.Join([]string{
		m.RunID,
		m.WorkerQueue,
		strconv.Itoa(m.Attempt),
		m.EnvType.String(),
	}, memberSeparator)
}

// DecodeQueueMember decodes an encoded member. Legacy members (no separator)
// decode successfully with RunID set to the raw value and all other fields
// zero. Strings with separators but the wrong field count are malformed and
// return ok=false; no partial object is produced.
func DecodeQueueMember(raw string) (QueueMember, bool) {
	if !strings.Contains(raw, memberSeparator) {
		if raw == "" {
			return QueueMember{}, false
		}
		return QueueMember{RunID: raw}, true
	}

	parts := strings.Split(raw, memberSeparator)
	if len(parts) != 4 {
		return QueueMember{}, false
	}

	attempt, err := strconv.Atoi(parts[2])
	if err != nil {
		return QueueMember{}, false
	}
	envType, err := enums.EnvironmentTypeFromString(parts[3])
	if err != nil {
		return QueueMember{}, false
	}

	return QueueMember{
		RunID:       parts[0],
		WorkerQueue: parts[1],
		Attempt:     attempt,
		EnvType:     envType,
	}, true
}

// IsEncodedMember reports whether raw carries the separated field encoding.
// Legacy bare run ids report false.
func IsEncodedMember(raw string) bool {
	return strings.Contains(raw, memberSeparator)
}

// RunIDFromMember extracts the run id without a full decode. Legacy members
// are their own run id.
func RunIDFromMember(raw string) string {
	if !IsEncodedMember(raw) {
		return raw
	}
	return strings.SplitN(raw, memberSeparator, 2)[0]
}

// WorkerQueueEntry is a message claimed from a tenant queue and handed to a
// consumer group's list for blocking delivery.
type WorkerQueueEntry struct {
	RunID       string
	WorkerQueue string
	Attempt     int
	EnvType     enums.EnvironmentType
	QueueKey    string
	ClaimedAt   time.Time
}

func (e WorkerQueueEntry) Encode() string {
	return strings.Join([]string{
		e.RunID,
		e.WorkerQueue,
		strconv.Itoa(e.Attempt),
		e.EnvType.String(),
		e.QueueKey,
		strconv.FormatInt(e.ClaimedAt.UnixMilli(), 10),
	}, memberSeparator)
}

func DecodeWorkerQueueEntry(raw string) (WorkerQueueEntry, bool) {
	parts := strings.Split(raw, memberSeparator)
	if len(parts) != 6 {
		return WorkerQueueEntry{}, false
	}

	attempt, err := strconv.Atoi(parts[2])
	if err != nil {
		return WorkerQueueEntry{}, false
	}
	envType, err := enums.EnvironmentTypeFromString(parts[3])
	if err != nil {
		return WorkerQueueEntry{}, false
	}
	claimedAt, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return WorkerQueueEntry{}, false
	}

	return WorkerQueueEntry{
		RunID:       parts[0],
		WorkerQueue: parts[1],
		Attempt:     attempt,
		EnvType:     envType,
		QueueKey:    parts[4],
		ClaimedAt:   time.UnixMilli(claimedAt),
	}, true
}

// EntryFromMember lifts a claimed queue member into a worker queue entry.
func EntryFromMember(m QueueMember, queueKey string, claimedAt time.Time) WorkerQueueEntry {
	return WorkerQueueEntry{
		RunID:       m.RunID,
		WorkerQueue: m.WorkerQueue,
		Attempt:     m.Attempt,
		EnvType:     m.EnvType,
		QueueKey:    queueKey,
		ClaimedAt:   claimedAt,
	}
}

// DispatchMessage is the full message handed to a worker. Tenant identity is
// reconstructed by parsing the queue key; TaskIdentifier is enriched from the
// stored message payload by the caller.
type DispatchMessage struct {
	RunID          string                `json:"runId"`
	TaskIdentifier string                `json:"taskIdentifier,omitempty"`
	OrgID          string                `json:"orgId"`
	ProjectID      string                `json:"projectId"`
	EnvID          string                `json:"envId"`
	EnvType        enums.EnvironmentType `json:"envType"`
	QueueKey       string                `json:"queueKey"`
	ConcurrencyKey string                `json:"concurrencyKey,omitempty"`
	Attempt        int                   `json:"attempt"`
	WorkerQueue    string                `json:"workerQueue"`
	Timestamp      time.Time             `json:"timestamp"`
}

// DispatchMessage reverses the entry into a dispatch message using only the
// entry itself and the queue key grammar.
func (e WorkerQueueEntry) DispatchMessage(kp KeyProducer) (DispatchMessage, error) {
	desc, err := kp.QueueDescriptorFromQueue(e.QueueKey)
	if err != nil {
		return DispatchMessage{}, err
	}

	return DispatchMessage{
		RunID:          e.RunID,
		OrgID:          desc.OrgID.String(),
		ProjectID:      desc.ProjectID.String(),
		EnvID:          desc.EnvID.String(),
		EnvType:        e.EnvType,
		QueueKey:       e.QueueKey,
		ConcurrencyKey: desc.ConcurrencyKey,
		Attempt:        e.Attempt,
		WorkerQueue:    e.WorkerQueue,
		Timestamp:      e.ClaimedAt,
	}, nil
}
