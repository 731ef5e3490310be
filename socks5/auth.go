package socks5

import (
	"bufio"
	"crypto/subtle"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	// SOCKS5认证方法
	AUTH_NO_AUTH       = 0x00
	AUTH_GSSAPI        = 0x01
	AUTH_USER_PASS     = 0x02
	AUTH_NO_ACCEPTABLE = 0xFF

	// 用户名/密码子协商 (RFC 1929)
	AUTH_USER_PASS_VERSION = 0x01
	AUTH_STATUS_SUCCESS    = 0x00
	AUTH_STATUS_FAILURE    = 0x01
)

// errNoSupportedMethods 客户端没有提供服务器可用的认证方法
var errNoSupportedMethods = errors.New("no supported authentication methods")

// CredentialStore 用户名到密码的只读映射，加载后不再修改
type CredentialStore struct {
	users map[string]string
}

// NewCredentialStore 从内存映射创建凭据存储
func NewCredentialStore(users map[string]string) *CredentialStore {
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &CredentialStore{users: copied}
}

// LoadCredentials 读取 username:password 格式的凭据文件
// 以第一个冒号分割，没有冒号的行直接跳过
func LoadCredentials(path string) (*CredentialStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ConfigError("failed to read auth file %s: %v", path, err)
	}
	defer f.Close()

	store, err := ParseCredentials(f)
	if err != nil {
		return nil, ConfigError("failed to read auth file %s: %v", path, err)
	}
	return store, nil
}

// ParseCredentials 解析凭据内容
func ParseCredentials(r io.Reader) (*CredentialStore, error) {
	users := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		users[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &CredentialStore{users: users}, nil
}

// Verify 校验用户名密码，密码比较为常数时间
func (s *CredentialStore) Verify(username, password string) bool {
	expected, ok := s.users[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

// Len 用户数量
func (s *CredentialStore) Len() int {
	return len(s.users)
}

// negotiate 完成问候、方法选择和可选的用户名密码子协商，返回认证的用户名
func negotiate(rw io.ReadWriter, store *CredentialStore) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return "", newError(KindNetworkError, err, "failed to read greeting: %v", err)
	}
	if header[0] != SOCKS5_VERSION {
		return "", newError(KindInvalidVersion, nil, "%d", header[0])
	}

	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(rw, methods); err != nil {
		return "", newError(KindNetworkError, err, "failed to read auth methods: %v", err)
	}

	want := byte(AUTH_NO_AUTH)
	if store != nil {
		want = AUTH_USER_PASS
	}

	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}

	if !offered {
		if _, err := rw.Write([]byte{SOCKS5_VERSION, AUTH_NO_ACCEPTABLE}); err != nil {
			return "", newError(KindNetworkError, err, "failed to write auth response: %v", err)
		}
		if store != nil {
			return "", ErrAuthenticationRequired
		}
		return "", errNoSupportedMethods
	}

	if _, err := rw.Write([]byte{SOCKS5_VERSION, want}); err != nil {
		return "", newError(KindNetworkError, err, "failed to write auth response: %v", err)
	}

	if store == nil {
		return "", nil
	}
	return authenticateUserPass(rw, store)
}

// authenticateUserPass 用户名/密码子协商
func authenticateUserPass(rw io.ReadWriter, store *CredentialStore) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return "", newError(KindNetworkError, err, "failed to read auth request: %v", err)
	}
	if header[0] != AUTH_USER_PASS_VERSION {
		return "", errors.Errorf("unsupported auth version: %d", header[0])
	}

	username := make([]byte, int(header[1]))
	if _, err := io.ReadFull(rw, username); err != nil {
		return "", newError(KindNetworkError, err, "failed to read username: %v", err)
	}
	if !utf8.Valid(username) {
		return "", errors.New("invalid username encoding")
	}

	plen := make([]byte, 1)
	if _, err := io.ReadFull(rw, plen); err != nil {
		return "", newError(KindNetworkError, err, "failed to read password length: %v", err)
	}
	password := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(rw, password); err != nil {
		return "", newError(KindNetworkError, err, "failed to read password: %v", err)
	}
	if !utf8.Valid(password) {
		return "", errors.New("invalid password encoding")
	}

	if !store.Verify(string(username), string(password)) {
		if _, err := rw.Write([]byte{AUTH_USER_PASS_VERSION, AUTH_STATUS_FAILURE}); err != nil {
			return "", newError(KindAuthenticationFailed, err, "failed to write auth status: %v", err)
		}
		return "", ErrAuthenticationFailed
	}

	if _, err := rw.Write([]byte{AUTH_USER_PASS_VERSION, AUTH_STATUS_SUCCESS}); err != nil {
		return "", newError(KindNetworkError, err, "failed to write auth status: %v", err)
	}
	return string(username), nil
}
