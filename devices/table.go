package devices

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
)

// DuplicateNameError はデバイス名が既に登録されている場合のエラーです
type DuplicateNameError struct {
	Name string
}

func (e DuplicateNameError) Error() string {
	return fmt.Sprintf("device name %s is already registered", e.Name)
}

// DuplicateAddressError は同じアドレスが別のデバイス名に使われている場合のエラーです
type DuplicateAddressError struct {
	Address string
	Name    string // 既に登録されている名前
	Other   string // 登録しようとした名前
}

func (e DuplicateAddressError) Error() string {
	return fmt.Sprintf("address %s is shared by devices %s and %s", e.Address, e.Name, e.Other)
}

// InvalidNameError はデバイス名が無効な場合のエラーです
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e InvalidNameError) Error() string {
	return fmt.Sprintf("invalid device name %q: %s", e.Name, e.Reason)
}

// InvalidAddressError はアドレスが無効な場合のエラーです
type InvalidAddressError struct {
	Name    string
	Address string
}

func (e InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q for device %s", e.Address, e.Name)
}

// DeviceNotFoundError はデバイス名が見つからない場合のエラーです
type DeviceNotFoundError struct {
	Name string
}

func (e DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %s is not registered", e.Name)
}

// デバイス名はアーティファクトのファイル名にも使われるので、パス区切りや空白は禁止
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateName はデバイス名が有効かどうかを検証します
func ValidateName(name string) error {
	if name == "" {
		return &InvalidNameError{Name: name, Reason: "empty name is not allowed"}
	}
	if !validName.MatchString(name) {
		return &InvalidNameError{Name: name, Reason: "only letters, digits, '-' and '_' are allowed, and it must not start with a symbol"}
	}
	return nil
}

// Entry はデバイス名とアドレスの組です
type Entry struct {
	Name    string
	Address string
}

// Table はデバイス名とネットワークアドレスの双方向対応表です。
// 構築後は読み取り専用なので、ロックなしで複数の goroutine から参照できます。
type Table struct {
	byName    map[string]string
	byAddress map[string]string
}

// NewTable は name -> address のマップから対応表を作成します。
// 対応が全単射にならない場合はエラーを返します。
func NewTable(entries map[string]string) (*Table, error) {
	t := &Table{
		byName:    make(map[string]string, len(entries)),
		byAddress: make(map[string]string, len(entries)),
	}

	// エラーメッセージを安定させるため名前順に登録する
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := t.register(name, entries[name]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) register(name, address string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	addr := normalizeAddress(address)
	if addr == "" || strings.ContainsAny(addr, " \t/") {
		return &InvalidAddressError{Name: name, Address: address}
	}
	if _, ok := t.byName[name]; ok {
		return &DuplicateNameError{Name: name}
	}
	if other, ok := t.byAddress[addr]; ok {
		return &DuplicateAddressError{Address: addr, Name: other, Other: name}
	}
	t.byName[name] = addr
	t.byAddress[addr] = name
	return nil
}

// normalizeAddress は IP アドレスを正規形にそろえる (ホスト名はそのまま)
func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if ip := net.ParseIP(address); ip != nil {
		return ip.String()
	}
	return strings.ToLower(address)
}

// Lookup はデバイス名からアドレスを検索します
func (t *Table) Lookup(name string) (string, bool) {
	addr, ok := t.byName[name]
	return addr, ok
}

// LookupInverse はアドレスからデバイス名を検索します
func (t *Table) LookupInverse(address string) (string, bool) {
	name, ok := t.byAddress[normalizeAddress(address)]
	return name, ok
}

// Resolve はデバイス名を "host:port" 形式のダイヤル先に変換します
func (t *Table) Resolve(name string, port int) (string, error) {
	addr, ok := t.Lookup(name)
	if !ok {
		return "", &DeviceNotFoundError{Name: name}
	}
	return net.JoinHostPort(addr, fmt.Sprint(port)), nil
}

// NameForIPs は与えられた IP のいずれかに対応するデバイス名を返します。
// ノードが自分自身のデバイス名を知るために使います。
func (t *Table) NameForIPs(ips []net.IP) (string, bool) {
	for _, ip := range ips {
		if name, ok := t.LookupInverse(ip.String()); ok {
			return name, true
		}
	}
	return "", false
}

// List はすべてのエントリを名前順で返します
func (t *Table) List() []Entry {
	result := make([]Entry, 0, len(t.byName))
	for name, addr := range t.byName {
		result = append(result, Entry{Name: name, Address: addr})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Names はすべてのデバイス名を名前順で返します
func (t *Table) Names() []string {
	entries := t.List()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Count はエントリの総数を返す
func (t *Table) Count() int {
	return len(t.byName)
}
