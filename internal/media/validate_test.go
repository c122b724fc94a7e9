package media

import (
	"reflect"
	"testing"
)

func TestValidate_InstagramSquareImage(t *testing.T) {
	req, err := DefaultCatalog().Lookup("instagram", UploadImage)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	info := Info{
		Type:     TypeImage,
		Width:    1200,
		Height:   1200,
		FileSize: 2 * 1024 * 1024,
		Format:   "jpeg",
	}

	v := Validate(info, req)
	if !v.Valid || v.RequiresConversion {
		t.Fatalf("expected valid image, got %+v", v)
	}
	if len(v.Issues) != 0 {
		t.Errorf("expected no issues, got %+v", v.Issues)
	}
	if v.Target != nil {
		t.Errorf("expected no target, got %+v", v.Target)
	}
}

func TestValidate_WideHEVCVideo(t *testing.T) {
	req := Requirements{VideoCodecs: []string{"h264"}, MaxWidth: 1080}
	info := Info{
		Type:       TypeVideo,
		Width:      4000,
		Height:     2000,
		VideoCodec: "h265",
		Duration:   20,
	}

	v := Validate(info, req)
	if v.Valid || !v.RequiresConversion {
		t.Fatalf("expected conversion to be required, got %+v", v)
	}

	errs := v.Errors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 error issues, got %d: %+v", len(errs), errs)
	}
	fields := map[string]bool{}
	for _, issue := range errs {
		fields[issue.Field] = true
	}
	if !fields["width"] || !fields["videoCodec"] {
		t.Errorf("expected width and videoCodec issues, got %+v", errs)
	}

	want := Target{VideoCodec: "h264", Width: 1080, Height: 540}
	if v.Target == nil || *v.Target != want {
		t.Errorf("target = %+v, want %+v", v.Target, want)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	req, _ := DefaultCatalog().Lookup("instagram", UploadReel)
	info := Info{
		Type:       TypeVideo,
		Width:      1920,
		Height:     1080,
		Duration:   120,
		VideoCodec: "vp9",
		AudioCodec: "opus",
		FrameRate:  25,
		FileSize:   50 * 1024 * 1024,
		Format:     "matroska,webm",
	}

	first := Validate(info, req)
	second := Validate(info, req)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Validate is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name       string
		info       Info
		req        Requirements
		wantFields []string
		wantTarget Target
		wantValid  bool
	}{
		{
			name:       "duration over max clamps",
			info:       Info{Type: TypeVideo, Duration: 95},
			req:        Requirements{MaxDuration: 90},
			wantFields: []string{"duration"},
			wantTarget: Target{MaxDuration: 90},
		},
		{
			name:       "duration under min has no target",
			info:       Info{Type: TypeVideo, Duration: 1},
			req:        Requirements{MinDuration: 3},
			wantFields: []string{"duration"},
			wantTarget: Target{},
		},
		{
			name:       "aspect ratio out of range uses recommended",
			info:       Info{Type: TypeVideo, Width: 1000, Height: 2000},
			req:        Requirements{MinAspectRatio: 0.5625, MaxAspectRatio: 1.91, RecommendedAspectRatio: 0.5625},
			wantFields: []string{"aspectRatio"},
			wantTarget: Target{AspectRatio: 0.5625},
		},
		{
			name:       "image aspect ratio out of range without recommendation squares",
			info:       Info{Type: TypeImage, Width: 1000, Height: 2000, Format: "png"},
			req:        Requirements{MinAspectRatio: 0.8, MaxAspectRatio: 1.91},
			wantFields: []string{"aspectRatio"},
			wantTarget: Target{Width: 1080, Height: 1080},
		},
		{
			name:       "frame rate below min",
			info:       Info{Type: TypeVideo, FrameRate: 24},
			req:        Requirements{MinFrameRate: 30, MaxFrameRate: 60},
			wantFields: []string{"frameRate"},
			wantTarget: Target{FrameRate: 30},
		},
		{
			name:       "audio codec",
			info:       Info{Type: TypeVideo, AudioCodec: "opus"},
			req:        Requirements{AudioCodecs: []string{"AAC"}},
			wantFields: []string{"audioCodec"},
			wantTarget: Target{AudioCodec: "aac"},
		},
		{
			name:       "file size sets quality",
			info:       Info{Type: TypeImage, FileSize: 9 * 1024 * 1024},
			req:        Requirements{MaxFileSizeMB: 8},
			wantFields: []string{"fileSize"},
			wantTarget: Target{Quality: 85},
		},
		{
			name:      "container list matches any entry",
			info:      Info{Type: TypeVideo, Format: "mov,mp4,m4a,3gp,3g2,mj2"},
			req:       Requirements{Formats: []string{"mp4"}},
			wantValid: true,
		},
		{
			name:       "format not accepted",
			info:       Info{Type: TypeVideo, Format: "matroska,webm"},
			req:        Requirements{Formats: []string{"mp4", "mov"}},
			wantFields: []string{"format"},
			wantTarget: Target{Format: "mp4"},
		},
		{
			name:       "height over max scales width",
			info:       Info{Type: TypeVideo, Width: 1080, Height: 2400},
			req:        Requirements{MaxHeight: 1920},
			wantFields: []string{"height"},
			wantTarget: Target{Width: 864, Height: 1920},
		},
		{
			name:       "width and height over max scale to the tighter bound",
			info:       Info{Type: TypeVideo, Width: 4000, Height: 8000},
			req:        Requirements{MaxWidth: 1080, MaxHeight: 1920},
			wantFields: []string{"width", "height"},
			wantTarget: Target{Width: 960, Height: 1920},
		},
		{
			name:       "width over max already within height cap",
			info:       Info{Type: TypeVideo, Width: 3840, Height: 2160},
			req:        Requirements{MaxWidth: 1920, MaxHeight: 1920},
			wantFields: []string{"width", "height"},
			wantTarget: Target{Width: 1920, Height: 1080},
		},
		{
			name:       "image shorter edge below min resolution",
			info:       Info{Type: TypeImage, Width: 800, Height: 1000},
			req:        Requirements{MinResolution: 1080},
			wantFields: []string{"resolution"},
			wantTarget: Target{Width: 1080, Height: 1350},
		},
		{
			name:      "unknown fields are skipped",
			info:      Info{Type: TypeVideo},
			req:       Requirements{MinDuration: 3, MaxWidth: 1080, VideoCodecs: []string{"h264"}, MaxFileSizeMB: 10},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.info, tt.req)
			if v.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (issues %+v)", v.Valid, tt.wantValid, v.Issues)
			}
			var got []string
			for _, issue := range v.Errors() {
				got = append(got, issue.Field)
			}
			if !reflect.DeepEqual(got, tt.wantFields) {
				t.Errorf("error fields = %v, want %v", got, tt.wantFields)
			}
			if tt.wantValid {
				if v.Target != nil {
					t.Errorf("expected nil target, got %+v", v.Target)
				}
				return
			}
			if v.Target == nil || *v.Target != tt.wantTarget {
				t.Errorf("target = %+v, want %+v", v.Target, tt.wantTarget)
			}
		})
	}
}

func TestValidate_AspectWarningOnly(t *testing.T) {
	req := Requirements{MinAspectRatio: 0.5625, MaxAspectRatio: 1.91, RecommendedAspectRatio: 0.5625}
	info := Info{Type: TypeVideo, Width: 1080, Height: 1080}

	v := Validate(info, req)
	if !v.Valid || v.RequiresConversion {
		t.Fatalf("expected warning-only verdict, got %+v", v)
	}
	if len(v.Issues) != 1 || v.Issues[0].Severity != SeverityWarning {
		t.Errorf("expected one warning, got %+v", v.Issues)
	}
}

func TestCatalog_Lookup(t *testing.T) {
	c := DefaultCatalog()
	if _, err := c.Lookup("YouTube", UploadShort); err != nil {
		t.Errorf("Lookup is case-sensitive on platform: %v", err)
	}
	if _, err := c.Lookup("tiktok", UploadVideo); err == nil {
		t.Error("expected error for unknown platform")
	}
	if len(c.Keys()) != 6 {
		t.Errorf("expected 6 catalog entries, got %v", c.Keys())
	}
}
