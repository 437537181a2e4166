package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

// LoadProxies reads one proxy connection string per line. Blank lines and
// lines starting with # are skipped. A missing file yields no proxies.
func LoadProxies(file string) ([]domain.Proxy, error) {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open proxies file: %w", err)
	}
	defer f.Close()

	var proxies []domain.Proxy
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		p, err := domain.NewProxy(text)
		if err != nil {
			return nil, fmt.Errorf("proxies file line %d: %w", line, err)
		}
		proxies = append(proxies, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxies file: %w", err)
	}
	return proxies, nil
}
