package v4l2

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	"otcsnap/internal/driver"
)

var videoNodePattern = regexp.MustCompile(`^video(\d+)$`)

// isVideoNode はデバイスノード名が videoN 形式かを判定する
func isVideoNode(name string) bool {
	return videoNodePattern.MatchString(name)
}

// deviceNumber は videoN の N を返す。該当しなければ -1
func deviceNumber(name string) int {
	m := videoNodePattern.FindStringSubmatch(name)
	if len(m) < 2 {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// sortDevices はデバイス番号順に並べる
func sortDevices(ids []driver.HardwareID) {
	sort.Slice(ids, func(i, j int) bool {
		return deviceNumber(string(ids[i])) < deviceNumber(string(ids[j]))
	})
}

// scanDevices は dir 直下の videoN ノードを番号順に返す
func scanDevices(dir string) ([]driver.HardwareID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	var ids []driver.HardwareID
	for _, e := range entries {
		if isVideoNode(e.Name()) {
			ids = append(ids, driver.HardwareID(e.Name()))
		}
	}
	sortDevices(ids)
	return ids, nil
}
