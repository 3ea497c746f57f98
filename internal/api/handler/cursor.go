package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const cursorPrefix = "job|"

// DecodeJobCursor returns the job id the previous page ended at.
func DecodeJobCursor(cursorStr string) (string, error) {
	if cursorStr == "" {
		return "", nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return "", err
	}

	jobID, ok := strings.CutPrefix(string(decoded), cursorPrefix)
	if !ok || jobID == "" {
		return "", fmt.Errorf("invalid cursor format")
	}
	return jobID, nil
}

func EncodeJobCursor(lastJobID string) string {
	return base64.URLEncoding.EncodeToString([]byte(cursorPrefix + lastJobID))
}
