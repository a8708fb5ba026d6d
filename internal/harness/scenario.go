package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/model"
)

// Scenario defines a sync scenario: remote fixtures, a sequence of steps run
// against the real coordinator and reconciler, and assertions on the final
// local and remote state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial connectivity state. Defaults to offline.
	Online bool `yaml:"online,omitempty"`

	// Remote configures the fake remote service.
	Remote RemoteSetup `yaml:"remote,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// RemoteSetup seeds the fake remote service before the first step.
type RemoteSetup struct {
	// NextID advances the remote id sequence so the first id it assigns is NextID.
	NextID int `yaml:"next_id,omitempty"`

	// Unique lists "entity.field" pairs the remote rejects duplicates of.
	Unique []string `yaml:"unique,omitempty"`

	// Seed stores entities remotely. An alias binds the assigned id.
	Seed []SeedEntity `yaml:"seed,omitempty"`
}

// SeedEntity is one remote fixture.
type SeedEntity struct {
	Entity string         `yaml:"entity"`
	As     string         `yaml:"as,omitempty"`
	Data   map[string]any `yaml:"data"`
}

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Write        *WriteStep `yaml:"write,omitempty"`
	Read         *ReadStep  `yaml:"read,omitempty"`
	Sync         bool       `yaml:"sync,omitempty"`
	Connectivity string     `yaml:"connectivity,omitempty"`
	FailNext     *FailStep  `yaml:"fail_next,omitempty"`
	Advance      string     `yaml:"advance,omitempty"`
	Retry        int64      `yaml:"retry,omitempty"`
	Discard      int64      `yaml:"discard,omitempty"`

	// Expect is the result variant of a write or the final result of a read:
	// success, queued_offline or error.
	Expect string `yaml:"expect,omitempty"`

	// ExpectCode is the error code carried by the result.
	ExpectCode string `yaml:"expect_code,omitempty"`

	// ExpectStats is checked against a sync pass.
	ExpectStats *SyncStats `yaml:"expect_stats,omitempty"`
}

// WriteStep mutates an entity through the coordinator.
type WriteStep struct {
	Entity string         `yaml:"entity"`
	ID     string         `yaml:"id,omitempty"`
	Kind   string         `yaml:"kind,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`

	// As binds the id of the written record (a temp id for offline creates).
	As string `yaml:"as,omitempty"`
}

// ReadStep reads an entity through the coordinator.
type ReadStep struct {
	Entity string `yaml:"entity"`
	ID     string `yaml:"id"`
}

// FailStep makes the remote answer the next Count requests with Status.
type FailStep struct {
	Count  int `yaml:"count"`
	Status int `yaml:"status"`
}

// action names the single action field that is set, or "" when none or
// several are.
func (s Step) action() string {
	var names []string
	if s.Write != nil {
		names = append(names, StepWrite)
	}
	if s.Read != nil {
		names = append(names, StepRead)
	}
	if s.Sync {
		names = append(names, StepSync)
	}
	if s.Connectivity != "" {
		names = append(names, StepConnectivity)
	}
	if s.FailNext != nil {
		names = append(names, StepFailNext)
	}
	if s.Advance != "" {
		names = append(names, StepAdvance)
	}
	if s.Retry != 0 {
		names = append(names, StepRetry)
	}
	if s.Discard != 0 {
		names = append(names, StepDiscard)
	}
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Entity and ID select a record (record, remote_entity).
	Entity string `yaml:"entity,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// SyncState is the expected local sync state (record).
	SyncState string `yaml:"sync_state,omitempty"`

	// Payload is a subset of the expected payload fields.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Absent expects no record (record, remote_entity).
	Absent bool `yaml:"absent,omitempty"`

	// ResolvesTo is the id a temp id must resolve to (record).
	ResolvesTo string `yaml:"resolves_to,omitempty"`

	// Count is the expected number (queue_depth, permanent_count,
	// remote_count, request_count).
	Count int `yaml:"count,omitempty"`

	// Request is "METHOD /path" (request_count).
	Request string `yaml:"request,omitempty"`

	// Requests is the expected order of requests (request_order).
	Requests []string `yaml:"requests,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord         = "record"
	AssertQueueDepth     = "queue_depth"
	AssertPermanentCount = "permanent_count"
	AssertRemoteEntity   = "remote_entity"
	AssertRemoteCount    = "remote_count"
	AssertRequestCount   = "request_count"
	AssertRequestOrder   = "request_order"
)

// Result variants accepted by Step.Expect.
const (
	ExpectSuccess       = "success"
	ExpectQueuedOffline = "queued_offline"
	ExpectError         = "error"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, seed := range s.Remote.Seed {
		if seed.Entity == "" {
			return fmt.Errorf("remote.seed[%d]: entity is required", i)
		}
	}
	for i, u := range s.Remote.Unique {
		if _, _, ok := splitUnique(u); !ok {
			return fmt.Errorf("remote.unique[%d]: want entity.field, got %q", i, u)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	action := s.action()
	if action == "" {
		return fmt.Errorf("steps[%d]: exactly one action is required", index)
	}

	switch s.Expect {
	case "", ExpectSuccess, ExpectQueuedOffline, ExpectError:
	default:
		return fmt.Errorf("steps[%d]: unknown expect %q", index, s.Expect)
	}
	if (s.Expect != "" || s.ExpectCode != "") && action != StepWrite && action != StepRead {
		return fmt.Errorf("steps[%d]: expect applies to write and read only", index)
	}
	if s.ExpectStats != nil && action != StepSync {
		return fmt.Errorf("steps[%d]: expect_stats applies to sync only", index)
	}

	switch action {
	case StepWrite:
		if s.Write.Entity == "" {
			return fmt.Errorf("steps[%d].write: entity is required", index)
		}
		kind := model.OpKind(s.Write.Kind)
		if s.Write.Kind != "" && !kind.Valid() {
			return fmt.Errorf("steps[%d].write: unknown kind %q", index, s.Write.Kind)
		}
		if kind != "" && kind != model.OpCreate && s.Write.ID == "" {
			return fmt.Errorf("steps[%d].write: id is required for %s", index, kind)
		}
	case StepRead:
		if s.Read.Entity == "" || s.Read.ID == "" {
			return fmt.Errorf("steps[%d].read: entity and id are required", index)
		}
	case StepConnectivity:
		if s.Connectivity != "online" && s.Connectivity != "offline" {
			return fmt.Errorf("steps[%d]: connectivity must be online or offline", index)
		}
	case StepFailNext:
		if s.FailNext.Count <= 0 || s.FailNext.Status < 400 {
			return fmt.Errorf("steps[%d].fail_next: count must be positive and status an error status", index)
		}
	case StepAdvance:
		if _, err := time.ParseDuration(s.Advance); err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRecord, AssertRemoteEntity:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity and id are required for %s", index, a.Type)
		}
	case AssertRemoteCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for remote_count", index)
		}
	case AssertRequestCount:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for request_count", index)
		}
	case AssertRequestOrder:
		if len(a.Requests) == 0 {
			return fmt.Errorf("assertions[%d]: requests list is required for request_order", index)
		}
	case AssertQueueDepth, AssertPermanentCount:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
