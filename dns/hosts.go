package dns

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultHostsFile 系统 hosts 文件
const DefaultHostsFile = "/etc/hosts"

// LoadHostsFile 读取 hosts 文件，返回 domain -> ip
// 文件不存在时返回空表；同名多条时保留第一条
func LoadHostsFile(path string) (map[string]net.IP, error) {
	hosts := make(map[string]net.IP)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hosts, nil
		}
		return nil, errors.Wrapf(err, "failed to open hosts file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// 带 zone 的链路本地地址无法用于拨号目标
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		for _, name := range fields[1:] {
			key := cacheKey(name)
			if _, ok := hosts[key]; !ok {
				hosts[key] = ip
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read hosts file %s", path)
	}
	return hosts, nil
}
