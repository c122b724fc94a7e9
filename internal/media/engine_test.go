package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeInspector struct {
	info  Info
	err   error
	calls int
}

func (f *fakeInspector) Inspect(_ context.Context, _ string, t Type) (Info, error) {
	f.calls++
	info := f.info
	info.Type = t
	return info, f.err
}

type fakeTranscoder struct {
	requests []TranscodeRequest
	err      error
}

func (f *fakeTranscoder) Transcode(_ context.Context, req TranscodeRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return OutputPath(req.Source, req.TraceID, req.Platform, "mp4"), nil
}

var wideHEVC = Info{Width: 4000, Height: 2000, VideoCodec: "h265", Duration: 20}

var h264Max1080 = Requirements{VideoCodecs: []string{"h264"}, MaxWidth: 1080}

func TestEngine_PrepareValidImage(t *testing.T) {
	insp := &fakeInspector{info: Info{Width: 1200, Height: 1200, FileSize: 2 << 20, Format: "jpeg"}}
	tc := &fakeTranscoder{}
	req, _ := DefaultCatalog().Lookup("instagram", UploadImage)

	res, err := NewEngine(insp, tc).Prepare(context.Background(), PrepRequest{
		FilePath:     "/work/tr-1/tr-1.jpg",
		Requirements: req,
		Platform:     "instagram",
		TraceID:      "tr-1",
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if res.Converted || res.FilePath != "/work/tr-1/tr-1.jpg" {
		t.Errorf("expected original path unconverted, got %+v", res)
	}
	if len(tc.requests) != 0 {
		t.Errorf("transcoder should not run, got %d calls", len(tc.requests))
	}
}

func TestEngine_PrepareAutoConverts(t *testing.T) {
	insp := &fakeInspector{info: wideHEVC}
	tc := &fakeTranscoder{}

	res, err := NewEngine(insp, tc).Prepare(context.Background(), PrepRequest{
		FilePath:     "/work/tr-2/tr-2.mov",
		Requirements: h264Max1080,
		Platform:     "youtube",
		TraceID:      "tr-2",
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !res.Converted {
		t.Fatal("expected converted=true")
	}
	if res.FilePath != "/work/tr-2/youtube-converted.mp4" {
		t.Errorf("unexpected output path %s", res.FilePath)
	}
	if len(tc.requests) != 1 {
		t.Fatalf("expected 1 transcode, got %d", len(tc.requests))
	}
	want := Target{VideoCodec: "h264", Width: 1080, Height: 540}
	if tc.requests[0].Target != want {
		t.Errorf("target = %+v, want %+v", tc.requests[0].Target, want)
	}
}

func TestEngine_PrepareStrictFails(t *testing.T) {
	dir := t.TempDir()
	insp := &fakeInspector{info: wideHEVC}
	tc := &fakeTranscoder{}

	src := filepath.Join(dir, "tr-3.mp4")
	_, err := NewEngine(insp, tc).Prepare(context.Background(), PrepRequest{
		FilePath:           src,
		Requirements:       h264Max1080,
		Platform:           "youtube",
		EnforceConstraints: true,
		TraceID:            "tr-3",
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Platform != "youtube" || len(verr.Issues) != 2 {
		t.Errorf("unexpected validation error %+v", verr)
	}
	if len(tc.requests) != 0 {
		t.Error("transcoder must not run in strict mode")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected no files produced, found %d", len(entries))
	}
}

func TestEngine_PrepareDeterministic(t *testing.T) {
	insp := &fakeInspector{info: wideHEVC}
	tc := &fakeTranscoder{}
	e := NewEngine(insp, tc)
	req := PrepRequest{FilePath: "/work/a/a.mp4", Requirements: h264Max1080, Platform: "youtube", TraceID: "a"}

	first, err := e.Prepare(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Prepare(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Converted != second.Converted || *first.Target != *second.Target || first.FilePath != second.FilePath {
		t.Errorf("Prepare is not deterministic: %+v vs %+v", first, second)
	}
}

func TestEngine_PrepareInspectError(t *testing.T) {
	inspErr := &Error{Kind: ErrKindToolMissing, Path: "x.mp4", Err: errors.New("ffprobe not found")}
	_, err := NewEngine(&fakeInspector{err: inspErr}, &fakeTranscoder{}).Prepare(context.Background(), PrepRequest{FilePath: "x.mp4"})

	var merr *Error
	if !errors.As(err, &merr) || merr.Kind != ErrKindToolMissing {
		t.Errorf("expected tool-missing media error, got %v", err)
	}
}

func TestDetectType(t *testing.T) {
	tests := map[string]Type{
		"a.JPG":     TypeImage,
		"b.webp":    TypeImage,
		"c.mov":     TypeVideo,
		"d.unknown": TypeVideo,
		"noext":     TypeVideo,
	}
	for path, want := range tests {
		if got := DetectType(path); got != want {
			t.Errorf("DetectType(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestExtensionForMIME(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":                 ".jpg",
		"video/mp4; charset=binary":  ".mp4",
		"video/quicktime":            ".mov",
		"application/json":           "",
		"IMAGE/PNG":                  ".png",
	}
	for ct, want := range tests {
		if got := ExtensionForMIME(ct); got != want {
			t.Errorf("ExtensionForMIME(%q) = %q, want %q", ct, got, want)
		}
	}
}
