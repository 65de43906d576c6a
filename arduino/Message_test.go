package arduino

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Encode(t *testing.T) {
	data, err := NewCommand(CommandMoistureUpdate).Encode()
	require.NoError(t, err)
	assert.Equal(t, "{\"command\":\"moisture_update\"}\n", string(data))

	data, err = NewCommand(CommandWaterPlant).Encode()
	require.NoError(t, err)
	assert.Equal(t, "{\"command\":\"water_plant\"}\n", string(data))
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Response
		wantErr bool
	}{
		{
			name: "文字列の値",
			line: `{"moisture":"45","lastWatered":"2024-11-23 14:00:00"}`,
			want: Response{"moisture": "45", "lastWatered": "2024-11-23 14:00:00"},
		},
		{
			name: "数値は表記のまま文字列化",
			line: `{"moisture": 45, "ratio": 0.5, "ok": true, "none": null}` + "\r\n",
			want: Response{"moisture": "45", "ratio": "0.5", "ok": "true", "none": "null"},
		},
		{
			name: "入れ子はJSONのまま",
			line: `{"status":"success","detail":{"a":1}}`,
			want: Response{"status": "success", "detail": `{"a":1}`},
		},
		{name: "空行", line: "  \n", wantErr: true},
		{name: "壊れたJSON", line: `{"moisture":`, wantErr: true},
		{name: "配列", line: `[1,2]`, wantErr: true},
		{name: "null", line: `null`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResponse([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeResponse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponse_IsSuccess(t *testing.T) {
	assert.True(t, Response{"status": "success"}.IsSuccess())
	assert.False(t, Response{"status": "error"}.IsSuccess())
	assert.False(t, Response{}.IsSuccess())
	assert.False(t, Response(nil).IsSuccess())
}

func TestResponse_String(t *testing.T) {
	r := Response{"status": "success", "action": "watered"}
	assert.Equal(t, "{action=watered, status=success}", r.String())
}
