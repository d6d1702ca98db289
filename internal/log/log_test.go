package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	t.Cleanup(func() { Configure("", "") })

	tests := []struct {
		level, format string
		expectLevel   logrus.Level
		expectJSON    bool
		expectErr     bool
	}{
		{level: "", format: "", expectLevel: logrus.InfoLevel},
		{level: "DEBUG", format: "text", expectLevel: logrus.DebugLevel},
		{level: "warn", format: "json", expectLevel: logrus.WarnLevel, expectJSON: true},
		{level: "loud", expectErr: true},
		{level: "info", format: "xml", expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			err := Configure(tt.level, tt.format)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expectLevel, GetLogger().GetLevel())
			_, isJSON := GetLogger().Formatter.(*logrus.JSONFormatter)
			assert.Equal(t, tt.expectJSON, isJSON)
		})
	}
}
