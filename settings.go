package fabric

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Settings carries every recognized client option. A Settings value is
// threaded through the component constructors; it is read-only after open
// except for the fields Update allows to change.
type Settings struct {
	ConnectionInitializationTimeout time.Duration
	ServiceChangePollInterval       time.Duration
	PartitionLocationCacheLimit     int
	KeepAliveInterval               time.Duration
	ConnectionIdleTimeout           time.Duration

	HealthOperationTimeout        time.Duration
	HealthReportSendInterval      time.Duration
	HealthReportRetrySendInterval time.Duration
	MaxNumberOfHealthReports      int

	NotificationGatewayConnectionTimeout time.Duration
	NotificationCacheUpdateTimeout       time.Duration

	// MaxMessageSize bounds a single gateway message. Batched payloads
	// (location change polls, sync pages, file buffers) are kept under
	// MaxMessageSize * MessageContentBufferRatio.
	MaxMessageSize            int
	MessageContentBufferRatio float64

	MaxFileChunkSenderThreads                     int
	MaxAllowedPendingFileChunkSendBeforeNextBatch int
	FileChunkBatchCount                           int
	FileChunkBatchUploadInterval                  time.Duration
	FileChunkRetryInterval                        time.Duration
	FileChunkRetryAttempt                         int
	FileChunkResendWaitInterval                   time.Duration
	FileChunkResendRetryAttempt                   int
	FileUploadCommitRetryInterval                 time.Duration
	FileUploadCommitRetryAttempt                  int
	FileUploadResendRetryAttempt                  int
	FileCreateSendRetryInterval                   time.Duration
	FileCreateSendAttempt                         int
	FileCreateMessageResponseWaitInterval         time.Duration
	FileCreateMessageInitialResponseWaitInterval  time.Duration
	SwitchUploadProtocolThreshold                 int
	SwitchUploadProtocolResendRetryAttempt        int
	GatewayNotReachableThresholdLimit             int
}

// NewSettings returns a Settings populated with the defaults.
func NewSettings() Settings {
	return Settings{
		ConnectionInitializationTimeout: 2 * time.Second,
		ServiceChangePollInterval:       120 * time.Second,
		PartitionLocationCacheLimit:     100000,
		KeepAliveInterval:               20 * time.Second,
		ConnectionIdleTimeout:           0,

		HealthOperationTimeout:        30 * time.Second,
		HealthReportSendInterval:      30 * time.Second,
		HealthReportRetrySendInterval: 30 * time.Second,
		MaxNumberOfHealthReports:      500,

		NotificationGatewayConnectionTimeout: 30 * time.Second,
		NotificationCacheUpdateTimeout:       30 * time.Second,

		MaxMessageSize:            4 * 1024 * 1024,
		MessageContentBufferRatio: 0.75,

		MaxFileChunkSenderThreads:                     10,
		MaxAllowedPendingFileChunkSendBeforeNextBatch: 200,
		FileChunkBatchCount:                           100,
		FileChunkBatchUploadInterval:                  100 * time.Millisecond,
		FileChunkRetryInterval:                        2 * time.Second,
		FileChunkRetryAttempt:                         10,
		FileChunkResendWaitInterval:                   5 * time.Second,
		FileChunkResendRetryAttempt:                   5,
		FileUploadCommitRetryInterval:                 3 * time.Second,
		FileUploadCommitRetryAttempt:                  10,
		FileUploadResendRetryAttempt:                  3,
		FileCreateSendRetryInterval:                   5 * time.Second,
		FileCreateSendAttempt:                         10,
		FileCreateMessageResponseWaitInterval:         60 * time.Second,
		FileCreateMessageInitialResponseWaitInterval:  10 * time.Second,
		SwitchUploadProtocolThreshold:                 5,
		SwitchUploadProtocolResendRetryAttempt:        2,
		GatewayNotReachableThresholdLimit:             10,
	}
}

// MessageContentThreshold returns the usable payload budget of a single
// gateway message.
func (s Settings) MessageContentThreshold() int {
	return int(float64(s.MaxMessageSize) * s.MessageContentBufferRatio)
}

// LoadSettings will read from a JSON file the settings & load them into memory.
// Fields absent from the file keep their defaults.
func LoadSettings(filename string) (Settings, error) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return Settings{}, err
	}

	s := NewSettings()
	err = json.Unmarshal(bytes, &s)
	if err != nil {
		return Settings{}, err
	}

	return s, nil
}

// Update applies the dynamically updatable subset of newSettings. Only
// ConnectionInitializationTimeout, HealthOperationTimeout and
// HealthReportSendInterval may change after open; a difference in any other
// field is rejected with InvalidArgument.
func (s *Settings) Update(newSettings Settings) error {
	frozen := *s
	frozen.ConnectionInitializationTimeout = newSettings.ConnectionInitializationTimeout
	frozen.HealthOperationTimeout = newSettings.HealthOperationTimeout
	frozen.HealthReportSendInterval = newSettings.HealthReportSendInterval
	if frozen != newSettings {
		return NewError(InvalidArgument, fmt.Errorf("only ConnectionInitializationTimeout, HealthOperationTimeout & HealthReportSendInterval can be dynamically updated"))
	}
	s.ConnectionInitializationTimeout = newSettings.ConnectionInitializationTimeout
	s.HealthOperationTimeout = newSettings.HealthOperationTimeout
	s.HealthReportSendInterval = newSettings.HealthReportSendInterval
	return nil
}
