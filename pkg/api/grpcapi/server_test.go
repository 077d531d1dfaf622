package grpcapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/IAmJonoBo/hephaestus/pkg/audit"
	"github.com/IAmJonoBo/hephaestus/pkg/auth"
	"github.com/IAmJonoBo/hephaestus/pkg/plugins"
	"github.com/IAmJonoBo/hephaestus/pkg/service"
)

type grpcFixture struct {
	conn     *grpc.ClientConn
	auditDir string
	key      *auth.ServiceAccountKey
}

func newGRPCFixture(t *testing.T) *grpcFixture {
	t.Helper()
	dir := t.TempDir()
	auditDir := filepath.Join(dir, "audit")

	secret := make([]byte, 48)
	for i := range secret {
		secret[i] = byte(i + 7)
	}
	key := &auth.ServiceAccountKey{
		KeyID:     "svc-key",
		Principal: "svc-guard@example.com",
		Roles: map[string]bool{
			"guard-rails": true,
			"cleanup":     true,
			"analytics":   true,
		},
		Secret: secret,
	}

	keystorePath := filepath.Join(dir, "service-accounts.json")
	keystoreDoc, err := json.Marshal(map[string]any{"keys": []map[string]any{{
		"key_id":    key.KeyID,
		"principal": key.Principal,
		"roles":     key.RoleNames(),
		"secret":    base64.RawURLEncoding.EncodeToString(key.Secret),
	}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keystorePath, keystoreDoc, 0o600))

	store, err := auth.NewKeyStore(keystorePath)
	require.NoError(t, err)
	verifier := auth.NewVerifier(store)

	svc := service.New(service.Options{
		Audit:        audit.NewRecorder(auditDir, nil),
		SettingsPath: filepath.Join(dir, "refactor.config.yaml"),
		PluginConfig: plugins.DiscoverOptions{
			ConfigPath:      filepath.Join(dir, "plugins.toml"),
			MarketplaceRoot: filepath.Join(dir, "marketplace"),
		},
		LookPath: func(string) (string, error) { return "/usr/bin/tool", nil },
	})

	server := NewGRPCServer(svc, verifier, nil)
	listener := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.DialContext(context.Background())
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &grpcFixture{conn: conn, auditDir: auditDir, key: key}
}

func (f *grpcFixture) authedContext(t *testing.T, roles ...string) context.Context {
	t.Helper()
	token, err := auth.GenerateToken(f.key, auth.TokenOptions{Roles: roles, TTL: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestUnaryGuardRails(t *testing.T) {
	fixture := newGRPCFixture(t)
	workspace := t.TempDir()

	req := &GuardRailsRequest{Workspace: workspace}
	resp := &GuardRailsResponse{}
	err := fixture.conn.Invoke(fixture.authedContext(t, "guard-rails", "cleanup"),
		"/hephaestus.v1.QualityService/RunGuardRails", req, resp)
	require.NoError(t, err)

	require.True(t, resp.Success)
	require.NotEmpty(t, resp.TaskID)
	require.GreaterOrEqual(t, len(resp.Gates), 6)
	require.Equal(t, "cleanup", resp.Gates[0].Name)
}

func TestMissingAuthorizationMetadata(t *testing.T) {
	fixture := newGRPCFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := fixture.conn.Invoke(ctx, "/hephaestus.v1.QualityService/RunGuardRails",
		&GuardRailsRequest{}, &GuardRailsResponse{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestMissingRoleIsPermissionDenied(t *testing.T) {
	fixture := newGRPCFixture(t)

	err := fixture.conn.Invoke(fixture.authedContext(t, "analytics"),
		"/hephaestus.v1.QualityService/RunGuardRails",
		&GuardRailsRequest{}, &GuardRailsResponse{})
	require.Equal(t, codes.PermissionDenied, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "guard-rails")
}

func TestInvalidStrategyIsInvalidArgument(t *testing.T) {
	fixture := newGRPCFixture(t)

	err := fixture.conn.Invoke(fixture.authedContext(t, "analytics"),
		"/hephaestus.v1.AnalyticsService/GetRankings",
		&RankingsRequest{Strategy: "bogus"}, &RankingsResponse{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetRankingsAndHotspots(t *testing.T) {
	fixture := newGRPCFixture(t)

	rankings := &RankingsResponse{}
	require.NoError(t, fixture.conn.Invoke(fixture.authedContext(t, "analytics"),
		"/hephaestus.v1.AnalyticsService/GetRankings",
		&RankingsRequest{Limit: 5}, rankings))
	require.Equal(t, "risk_weighted", rankings.Strategy)
	require.NotEmpty(t, rankings.Rankings)

	hotspots := &HotspotsResponse{}
	require.NoError(t, fixture.conn.Invoke(fixture.authedContext(t, "analytics"),
		"/hephaestus.v1.AnalyticsService/GetHotspots",
		&HotspotsRequest{Limit: 3}, hotspots))
	require.Len(t, hotspots.Hotspots, 3)
}

func TestCleanupPreviewDoesNotMutate(t *testing.T) {
	fixture := newGRPCFixture(t)
	workspace := t.TempDir()
	target := filepath.Join(workspace, ".DS_Store")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	resp := &CleanupResponse{}
	require.NoError(t, fixture.conn.Invoke(fixture.authedContext(t, "cleanup"),
		"/hephaestus.v1.CleanupService/PreviewCleanup",
		&CleanupRequest{Root: workspace, DeepClean: true}, resp))

	require.Equal(t, 1, resp.Files)
	require.FileExists(t, target)

	require.NoError(t, fixture.conn.Invoke(fixture.authedContext(t, "cleanup"),
		"/hephaestus.v1.CleanupService/Clean",
		&CleanupRequest{Root: workspace, DeepClean: true}, resp))
	require.NoFileExists(t, target)
}

var guardRailsStreamDesc = grpc.StreamDesc{
	StreamName:    "RunGuardRailsStream",
	ServerStreams: true,
}

func TestGuardRailsStream(t *testing.T) {
	fixture := newGRPCFixture(t)
	workspace := t.TempDir()

	stream, err := fixture.conn.NewStream(fixture.authedContext(t, "guard-rails", "cleanup"),
		&guardRailsStreamDesc, "/hephaestus.v1.QualityService/RunGuardRailsStream")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&GuardRailsRequest{Workspace: workspace}))
	require.NoError(t, stream.CloseSend())

	var events []GuardRailsProgress
	for {
		event := &GuardRailsProgress{}
		err := stream.RecvMsg(event)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, *event)
	}

	require.GreaterOrEqual(t, len(events), 7)
	final := events[len(events)-1]
	require.Equal(t, "complete", final.Stage)
	require.Equal(t, 100, final.Progress)
	require.True(t, final.Completed)
	require.Equal(t, "cleanup", events[0].Stage)
}

var streamIngestDesc = grpc.StreamDesc{
	StreamName:    "StreamIngest",
	ClientStreams: true,
}

func TestStreamIngest(t *testing.T) {
	fixture := newGRPCFixture(t)

	stream, err := fixture.conn.NewStream(fixture.authedContext(t, "analytics"),
		&streamIngestDesc, "/hephaestus.v1.AnalyticsService/StreamIngest")
	require.NoError(t, err)

	value := 0.9
	events := []*AnalyticsEvent{
		{Source: "ci", Kind: "coverage", Value: &value},
		{Source: "ci", Kind: "timing"},
		{Source: "", Kind: "broken"},
	}
	for _, event := range events {
		require.NoError(t, stream.SendMsg(event))
	}
	require.NoError(t, stream.CloseSend())

	summary := &IngestSummary{}
	require.NoError(t, stream.RecvMsg(summary))
	require.Equal(t, 2, summary.Accepted)
	require.Equal(t, 1, summary.Rejected)
	require.GreaterOrEqual(t, summary.TotalEvents, 2)

	// Audit trail records the ingest outcome.
	records := auditLines(t, fixture.auditDir)
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	require.Equal(t, "grpc.analytics.stream_ingest", last["operation"])
	require.Equal(t, "success", last["status"])
	require.Equal(t, "grpc", last["protocol"])
}

func auditLines(t *testing.T, dir string) []map[string]any {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var records []map[string]any
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		for _, line := range splitLines(string(data)) {
			var record map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &record))
			records = append(records, record)
		}
	}
	return records
}

func splitLines(data string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
