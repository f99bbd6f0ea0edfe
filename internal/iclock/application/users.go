package application

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	iclock "iclock-cloud/internal/iclock/domain"
)

// QueryUsersCommand asks a terminal to upload its user table.
const QueryUsersCommand = "C:1:DATA QUERY USERINFO"

// BulkEnrollUser is one user to create on a terminal.
type BulkEnrollUser struct {
	PIN        string `json:"pin,omitempty"`
	Name       string `json:"name"`
	Card       string `json:"card,omitempty"`
	Privilege  *int   `json:"privilege,omitempty"`
	Department string `json:"department,omitempty"`
	Password   string `json:"password,omitempty"`
	Group      string `json:"group,omitempty"`
}

// BulkEnrollRequest is the bulk-enroll envelope.
type BulkEnrollRequest struct {
	Users []BulkEnrollUser `json:"users"`
	// StartPin is the lowest PIN to allocate for users without one.
	StartPin int `json:"startPin,omitempty"`
	// PinKey overrides the learned identifier key.
	PinKey string `json:"pinKey,omitempty"`
	// Style "spaces" joins command fields with spaces instead of tabs.
	Style      string `json:"style,omitempty"`
	Optimistic *bool  `json:"optimistic,omitempty"`
}

// ProcessedUser reports an accepted item.
type ProcessedUser struct {
	Index   int    `json:"index"`
	PIN     string `json:"pin"`
	Name    string `json:"name"`
	Command string `json:"command"`
	Queued  bool   `json:"queued"`
}

// ItemError reports a rejected item.
type ItemError struct {
	Index int            `json:"index"`
	Error string         `json:"error"`
	User  BulkEnrollUser `json:"user"`
}

// BulkEnrollResult is the per-item outcome of a bulk enroll.
type BulkEnrollResult struct {
	OK                bool            `json:"ok"`
	SN                string          `json:"sn"`
	Processed         int             `json:"processed"`
	ErrorCount        int             `json:"errorCount"`
	TotalRequested    int             `json:"totalRequested"`
	Commands          int             `json:"commands"`
	QueueSize         int             `json:"queueSize"`
	ProcessedUsers    []ProcessedUser `json:"processedUsers"`
	Errors            []ItemError     `json:"errors"`
	NextAvailablePin  int             `json:"nextAvailablePin"`
	PinLabelUsed      string          `json:"pinLabelUsed"`
	OptimisticApplied bool            `json:"optimisticApplied"`
	UsersRequested    bool            `json:"usersRequested"`
}

// MergeResult counts the effect of merging uploaded users.
type MergeResult struct {
	Added    int
	Promoted int
	Ignored  int
}

// DeleteResult is the outcome of a delete on one terminal.
type DeleteResult struct {
	SN          string `json:"sn"`
	RemovedFrom bool   `json:"removedFromCache"`
	Command     string `json:"command"`
	Queued      bool   `json:"queued"`
}

// UserCache mirrors terminal user tables and allocates PINs.
type UserCache struct {
	store            Store
	queue            *CommandQueue
	maxBatch         int
	defaultPrivilege string
	logger           *zap.Logger
}

// ErrBatchTooLarge rejects oversized bulk enrolls before any mutation.
var ErrBatchTooLarge = errors.New("iclock: too many users in batch")

// ErrEmptyBatch rejects a bulk enroll without users.
var ErrEmptyBatch = errors.New("iclock: users array is required and must not be empty")

// NewUserCache constructs the user cache.
func NewUserCache(store Store, queue *CommandQueue, cfg Config, logger *zap.Logger) (*UserCache, error) {
	if store == nil {
		return nil, errors.New("iclock: nil store")
	}
	if queue == nil {
		return nil, errors.New("iclock: nil command queue")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	privilege := cfg.DefaultPrivilege
	if privilege == "" {
		privilege = "0"
	}
	return &UserCache{
		store:            store,
		queue:            queue,
		maxBatch:         cfg.BulkEnrollMaxUsers,
		defaultPrivilege: privilege,
		logger:           logger,
	}, nil
}

// EnsureFetched returns the cached users and, when the cache is empty, queues a
// user query unless one is already pending. It never waits for the terminal.
func (c *UserCache) EnsureFetched(sn string) ([]iclock.UserEntry, bool) {
	var users []iclock.UserEntry
	requested := false
	c.store.Update(sn, func(state *DeviceState) {
		users = sortedUsers(state.Users)
		if len(state.Users) == 0 {
			requested = c.queue.enqueueUniqueLocked(state, QueryUsersCommand)
		}
	})
	if requested {
		c.queue.countQueued("ensure_users")
		c.logger.Info("user query queued", zap.String("sn", sn))
	}
	return users, requested
}

// Users returns cached users ordered by PIN.
func (c *UserCache) Users(sn string) ([]iclock.UserEntry, bool) {
	var users []iclock.UserEntry
	ok := c.store.View(sn, func(state *DeviceState) {
		users = sortedUsers(state.Users)
	})
	return users, ok
}

// MaxAllocatedPin bounds the numeric PINs considered when allocating; larger
// values still block an exact match but do not move the allocator.
const MaxAllocatedPin = 1<<31 - 1

// NextAvailablePin returns the smallest integer not below startHint, 1 and one
// past the largest numeric PIN that is not already taken.
func NextAvailablePin(pins []string, startHint int) int {
	taken := make(map[string]struct{}, len(pins))
	maxPin := 0
	for _, pin := range pins {
		taken[pin] = struct{}{}
		if v, err := strconv.Atoi(strings.TrimSpace(pin)); err == nil && v > maxPin && v <= MaxAllocatedPin {
			maxPin = v
		}
	}
	candidate := startHint
	if candidate < 1 {
		candidate = 1
	}
	if candidate < maxPin+1 {
		candidate = maxPin + 1
	}
	for {
		if _, ok := taken[strconv.Itoa(candidate)]; !ok {
			return candidate
		}
		candidate++
	}
}

// BulkEnroll queues one USERINFO update per valid user. Invalid items are
// reported and skipped; the batch is never rejected as a whole once validated.
func (c *UserCache) BulkEnroll(sn string, req BulkEnrollRequest) (BulkEnrollResult, error) {
	if strings.TrimSpace(sn) == "" {
		return BulkEnrollResult{}, iclock.ErrSerialRequired
	}
	if len(req.Users) == 0 {
		return BulkEnrollResult{}, ErrEmptyBatch
	}
	if c.maxBatch > 0 && len(req.Users) > c.maxBatch {
		return BulkEnrollResult{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Users), c.maxBatch)
	}
	_, requested := c.EnsureFetched(sn)

	optimistic := true
	if req.Optimistic != nil {
		optimistic = *req.Optimistic
	}
	result := BulkEnrollResult{
		OK:                true,
		SN:                sn,
		TotalRequested:    len(req.Users),
		ProcessedUsers:    []ProcessedUser{},
		Errors:            []ItemError{},
		OptimisticApplied: optimistic,
		UsersRequested:    requested,
	}

	var queued []string
	c.store.Update(sn, func(state *DeviceState) {
		label := strings.TrimSpace(req.PinKey)
		if label == "" {
			label = state.Session.PinField.Label()
		}
		result.PinLabelUsed = label

		pins := make([]string, 0, len(state.Users))
		for pin := range state.Users {
			pins = append(pins, pin)
		}
		current := NextAvailablePin(pins, req.StartPin)

		for i, user := range req.Users {
			name := cleanValue(user.Name)
			if name == "" {
				result.Errors = append(result.Errors, ItemError{Index: i, Error: "name is required", User: user})
				continue
			}
			auto := strings.TrimSpace(user.PIN) == ""
			pin := cleanValue(user.PIN)
			if auto {
				pin = strconv.Itoa(current)
			}
			if _, exists := state.Users[pin]; exists {
				result.Errors = append(result.Errors, ItemError{Index: i, Error: fmt.Sprintf("PIN %s already exists", pin), User: user})
				continue
			}

			terminalUser := iclock.TerminalUser{
				PIN:        pin,
				Name:       name,
				Card:       cleanValue(user.Card),
				Privilege:  c.defaultPrivilege,
				Department: cleanValue(user.Department),
				Group:      cleanValue(user.Group),
				Password:   cleanValue(user.Password),
			}
			if user.Privilege != nil {
				terminalUser.Privilege = strconv.Itoa(*user.Privilege)
			}
			command := fmt.Sprintf("C:%d:DATA UPDATE USERINFO %s", i+1, joinFields(userFields(label, terminalUser), req.Style))

			// the cache entry reserves the PIN for later items in this batch
			state.Users[pin] = iclock.UserEntry{User: terminalUser, State: iclock.UserProvisional}
			ok := c.queue.enqueueUniqueLocked(state, command)
			if ok {
				queued = append(queued, command)
			}
			result.ProcessedUsers = append(result.ProcessedUsers, ProcessedUser{
				Index:   i,
				PIN:     pin,
				Name:    name,
				Command: command,
				Queued:  ok,
			})
			if auto {
				current++
				for {
					if _, taken := state.Users[strconv.Itoa(current)]; !taken {
						break
					}
					current++
				}
			}
		}
		if !optimistic {
			for _, processed := range result.ProcessedUsers {
				delete(state.Users, processed.PIN)
			}
		}
		result.QueueSize = len(state.Pending)
		result.NextAvailablePin = current
	})

	result.Processed = len(result.ProcessedUsers)
	result.ErrorCount = len(result.Errors)
	result.Commands = len(queued)
	for range queued {
		c.queue.countQueued("bulk_enroll")
	}
	c.logger.Info("bulk enroll queued",
		zap.String("sn", sn),
		zap.Int("requested", result.TotalRequested),
		zap.Int("processed", result.Processed),
		zap.Int("errors", result.ErrorCount),
		zap.String("pin_label", result.PinLabelUsed),
	)
	return result, nil
}

// MergeUploaded adds users reported by the terminal. Existing PINs are kept;
// provisional entries are promoted to confirmed.
func (c *UserCache) MergeUploaded(sn string, users []iclock.TerminalUser, at time.Time) MergeResult {
	var result MergeResult
	c.store.Update(sn, func(state *DeviceState) {
		result = mergeUsersLocked(state, users, at)
	})
	if result.Added > 0 || result.Promoted > 0 {
		c.logger.Info("users merged",
			zap.String("sn", sn),
			zap.Int("added", result.Added),
			zap.Int("promoted", result.Promoted),
			zap.Int("ignored", result.Ignored),
		)
	}
	return result
}

func mergeUsersLocked(state *DeviceState, users []iclock.TerminalUser, at time.Time) MergeResult {
	var result MergeResult
	for _, user := range users {
		if user.PIN == "" {
			result.Ignored++
			continue
		}
		existing, ok := state.Users[user.PIN]
		switch {
		case !ok:
			state.Users[user.PIN] = iclock.UserEntry{User: user, State: iclock.UserConfirmed}
			result.Added++
		case existing.Optimistic():
			existing.State = iclock.UserConfirmed
			state.Users[user.PIN] = existing
			result.Promoted++
		default:
			result.Ignored++
		}
	}
	if len(users) > 0 {
		state.Session.MarkUserSync(at)
	}
	return result
}

// DeleteUser removes a PIN from one terminal, or every known terminal when sn
// is empty, and queues the delete command for each.
func (c *UserCache) DeleteUser(pin, sn string) ([]DeleteResult, error) {
	pin = cleanValue(pin)
	if pin == "" {
		return nil, iclock.ErrPINRequired
	}
	targets := []string{sn}
	if strings.TrimSpace(sn) == "" {
		targets = c.store.Serials()
		if len(targets) == 0 {
			return nil, iclock.ErrNoDevices
		}
	}

	results := make([]DeleteResult, 0, len(targets))
	for _, target := range targets {
		res := DeleteResult{SN: target}
		c.store.Update(target, func(state *DeviceState) {
			if _, ok := state.Users[pin]; ok {
				delete(state.Users, pin)
				res.RemovedFrom = true
			}
			res.Command = fmt.Sprintf("C:1:DATA DELETE USERINFO %s=%s", state.Session.PinField.Label(), pin)
			res.Queued = c.queue.enqueueUniqueLocked(state, res.Command)
		})
		if res.Queued {
			c.queue.countQueued("delete_user")
		}
		c.logger.Info("user delete queued", zap.String("sn", target), zap.String("pin", pin), zap.Bool("removed", res.RemovedFrom))
		results = append(results, res)
	}
	return results, nil
}

// Refresh clears the cache and queues a user query.
func (c *UserCache) Refresh(sn string) (int, bool, error) {
	if strings.TrimSpace(sn) == "" {
		return 0, false, iclock.ErrSerialRequired
	}
	cleared := 0
	queued := false
	c.store.Update(sn, func(state *DeviceState) {
		cleared = len(state.Users)
		state.Users = make(map[string]iclock.UserEntry)
		queued = c.queue.enqueueUniqueLocked(state, QueryUsersCommand)
	})
	if queued {
		c.queue.countQueued("refresh_users")
	}
	c.logger.Info("user cache refreshed", zap.String("sn", sn), zap.Int("cleared", cleared), zap.Bool("queued", queued))
	return cleared, queued, nil
}

func userFields(label string, user iclock.TerminalUser) []string {
	parts := []string{label + "=" + user.PIN, "Name=" + user.Name, "Privilege=" + user.Privilege}
	if user.Card != "" {
		parts = append(parts, "Card="+user.Card)
	}
	if user.Department != "" {
		parts = append(parts, "Dept="+user.Department)
	}
	if user.Password != "" {
		parts = append(parts, "Passwd="+user.Password)
	}
	if user.Group != "" {
		parts = append(parts, "Grp="+user.Group)
	}
	return parts
}

func joinFields(parts []string, style string) string {
	if strings.EqualFold(style, "spaces") {
		return strings.Join(parts, " ")
	}
	return strings.Join(parts, "\t")
}

// cleanValue strips line breaks that would split a command.
func cleanValue(v string) string {
	v = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(v)
	return strings.TrimSpace(v)
}

func sortedUsers(users map[string]iclock.UserEntry) []iclock.UserEntry {
	out := make([]iclock.UserEntry, 0, len(users))
	for _, entry := range users {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i].User.PIN)
		b, errB := strconv.Atoi(out[j].User.PIN)
		if errA == nil && errB == nil {
			return a < b
		}
		return out[i].User.PIN < out[j].User.PIN
	})
	return out
}
