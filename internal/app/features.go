package app

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sebas/callplane/internal/session"
)

// pbx is the part of the AMI engine the call features use.
type pbx interface {
	Redirect(ctx context.Context, channel, dialContext, exten string) error
	ConfbridgeKick(ctx context.Context, conference, channel string) error
	MixMonitor(ctx context.Context, channel, file, options string) error
	StopMixMonitor(ctx context.Context, channel string) error
}

// pbxFeatures implements session.Features with manager actions against the
// PBX channel of each call.
type pbxFeatures struct {
	pbx               pbx
	conferenceContext string
	recordingDir      string
	recordingFormat   string
}

func (f *pbxFeatures) JoinConference(ctx context.Context, call session.Info, conference string) error {
	if err := requireChannel(call); err != nil {
		return err
	}
	return f.pbx.Redirect(ctx, call.Channel, f.conferenceContext, conference)
}

func (f *pbxFeatures) LeaveConference(ctx context.Context, call session.Info, conference string) error {
	if err := requireChannel(call); err != nil {
		return err
	}
	return f.pbx.ConfbridgeKick(ctx, conference, call.Channel)
}

func (f *pbxFeatures) StartRecording(ctx context.Context, call session.Info) error {
	if err := requireChannel(call); err != nil {
		return err
	}
	return f.pbx.MixMonitor(ctx, call.Channel, f.recordingFile(call), "b")
}

func (f *pbxFeatures) StopRecording(ctx context.Context, call session.Info) error {
	if err := requireChannel(call); err != nil {
		return err
	}
	return f.pbx.StopMixMonitor(ctx, call.Channel)
}

// recordingFile names the recording after the call ID.
func (f *pbxFeatures) recordingFile(call session.Info) string {
	name := call.ID + "." + strings.TrimPrefix(f.recordingFormat, ".")
	if f.recordingDir == "" {
		return name
	}
	return path.Join(f.recordingDir, name)
}

func requireChannel(call session.Info) error {
	if call.Channel == "" {
		return fmt.Errorf("call %s has no PBX channel: %w", call.ID, session.ErrFeatureUnavailable)
	}
	return nil
}
