package handler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"echonet-controller/echonet_lite"
)

// AliasAlreadyExistsError はエイリアスが既に別の機器に使われている場合のエラーです
type AliasAlreadyExistsError struct {
	Alias  string
	Device echonet_lite.IPAndEOJ
}

func (e AliasAlreadyExistsError) Error() string {
	return fmt.Sprintf("alias %s is already used for %v", e.Alias, e.Device.Specifier())
}

// InvalidAliasError はエイリアスが無効な場合のエラーです
type InvalidAliasError struct {
	Alias  string
	Reason string
}

func (e InvalidAliasError) Error() string {
	return fmt.Sprintf("invalid alias %s: %s", e.Alias, e.Reason)
}

// AliasNotFoundError はエイリアスが見つからない場合のエラーです
type AliasNotFoundError struct {
	Alias string
}

func (e AliasNotFoundError) Error() string {
	return fmt.Sprintf("alias %s is not registered", e.Alias)
}

// DeviceAliases は人間が理解しやすい名前と機器 (IPAndEOJ) を対応付けます
type DeviceAliases struct {
	mu      sync.RWMutex
	devices map[string]echonet_lite.IPAndEOJ
}

func NewDeviceAliases() *DeviceAliases {
	return &DeviceAliases{devices: make(map[string]echonet_lite.IPAndEOJ)}
}

// 16進数の正規表現パターン
var hexPattern = regexp.MustCompile(`^[0-9A-Fa-f]+$`)

// 先頭文字が数字と記号の場合にマッチする正規表現パターン
var invalidFirstChar = regexp.MustCompile(`^[0-9\!"#\$%&'\(\)\*\+,\./:;<=>\?@\[\\\]\^_\{\|\}~\-]`)

// ValidateDeviceAlias はエイリアスが IP アドレスや EPC と区別できるかを検査します
func ValidateDeviceAlias(alias string) error {
	if alias == "" {
		return &InvalidAliasError{Alias: alias, Reason: "empty alias is not allowed"}
	}
	// 2桁の倍数の16進数は EPC や EDT と区別できない
	if len(alias)%2 == 0 && hexPattern.MatchString(alias) {
		return &InvalidAliasError{Alias: alias, Reason: "alias that can be read as hexadecimal with even number of digits is not allowed"}
	}
	if invalidFirstChar.MatchString(alias) {
		return &InvalidAliasError{Alias: alias, Reason: "alias that starts with a number or symbol is not allowed"}
	}
	if strings.ContainsAny(alias, " \t=") {
		return &InvalidAliasError{Alias: alias, Reason: "alias must not contain spaces or '='"}
	}
	return nil
}

// SetAlias はエイリアスを登録します。同じ機器に別名を重ねて付けることはできます。
func (da *DeviceAliases) SetAlias(alias string, device echonet_lite.IPAndEOJ) error {
	if err := ValidateDeviceAlias(alias); err != nil {
		return err
	}
	da.mu.Lock()
	defer da.mu.Unlock()
	if existing, ok := da.devices[alias]; ok && existing.Compare(device) != 0 {
		return &AliasAlreadyExistsError{Alias: alias, Device: existing}
	}
	da.devices[alias] = device
	return nil
}

// ParseAlias は "192.168.0.10 0130:1" の形式で機器を指定してエイリアスを登録します
func (da *DeviceAliases) ParseAlias(alias, value string) error {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return fmt.Errorf("alias %s: \"<ip> <eoj>\" の形式で指定してください: %q", alias, value)
	}
	device, err := echonet_lite.ParseIPAndEOJ(fields[0], fields[1])
	if err != nil {
		return fmt.Errorf("alias %s: %w", alias, err)
	}
	return da.SetAlias(alias, device)
}

func (da *DeviceAliases) GetDeviceByAlias(alias string) (echonet_lite.IPAndEOJ, bool) {
	da.mu.RLock()
	defer da.mu.RUnlock()
	device, ok := da.devices[alias]
	return device, ok
}

// GetAliases は機器に付けられたエイリアスを名前順に返す
func (da *DeviceAliases) GetAliases(device echonet_lite.IPAndEOJ) []string {
	da.mu.RLock()
	defer da.mu.RUnlock()
	var aliases []string
	for alias, d := range da.devices {
		if d.Compare(device) == 0 {
			aliases = append(aliases, alias)
		}
	}
	slices.Sort(aliases)
	return aliases
}

func (da *DeviceAliases) RemoveAlias(alias string) error {
	da.mu.Lock()
	defer da.mu.Unlock()
	if _, ok := da.devices[alias]; !ok {
		return &AliasNotFoundError{Alias: alias}
	}
	delete(da.devices, alias)
	return nil
}

// AliasDevicePair はエイリアスと機器の組です
type AliasDevicePair struct {
	Alias  string
	Device echonet_lite.IPAndEOJ
}

func (pair AliasDevicePair) String() string {
	return fmt.Sprintf("%s: %v", pair.Alias, pair.Device.Specifier())
}

// GetAllAliases はすべてのエイリアスを名前順に返す
func (da *DeviceAliases) GetAllAliases() []AliasDevicePair {
	da.mu.RLock()
	defer da.mu.RUnlock()
	result := make([]AliasDevicePair, 0, len(da.devices))
	for alias, device := range da.devices {
		result = append(result, AliasDevicePair{Alias: alias, Device: device})
	}
	slices.SortFunc(result, func(a, b AliasDevicePair) int {
		return strings.Compare(a.Alias, b.Alias)
	})
	return result
}
