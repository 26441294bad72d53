package deck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRaw(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name: "minimal raw submission",
			json: `{"configText": "TASK NAME:alpha\n"}`,
		},
		{
			name: "template submission",
			json: `{"configTemplateText": "TASK NAME:alpha\n", "taskName": "alpha", "name": "nightly"}`,
		},
		{
			name: "encoded submission",
			json: `{"configBase64": "aGVsbG8=", "encoding": "latin-1"}`,
		},
		{
			name: "empty object",
			json: `{}`,
		},
		{
			name:    "unknown field rejected",
			json:    `{"configtext": "typo cases matter"}`,
			wantErr: true,
		},
		{
			name:    "wrong type rejected",
			json:    `{"configText": 42}`,
			wantErr: true,
		},
		{
			name:    "task name wrong type",
			json:    `{"configTemplateText": "x", "taskName": ["beta"]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRaw([]byte(tt.json))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed), "expected validation failure, got %v", err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.NotEmpty(t, verrs)
		})
	}
}

func TestValidateStruct(t *testing.T) {
	err := Validate(Payload{ConfigText: "TASK NAME:alpha\n", Name: "smoke"})
	assert.NoError(t, err)
}

func TestValidationErrorFormatting(t *testing.T) {
	single := ValidationErrors{{Path: "/taskName", Message: "expected string"}}
	assert.Equal(t, "/taskName: expected string", single.Error())

	multi := ValidationErrors{
		{Path: "/configText", Message: "expected string"},
		{Message: "unknown property"},
	}
	msg := multi.Error()
	assert.Contains(t, msg, "2 errors")
	assert.Contains(t, msg, "/configText: expected string")
	assert.Contains(t, msg, "unknown property")
}
