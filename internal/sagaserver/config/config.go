// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config loads the saga server configuration.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Database drivers the server supports.
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

// DatabaseConfig holds the persistence settings. The memory driver needs no
// connection fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" yaml:"driver"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
}

// DSN builds the MySQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.Username, d.Password, d.Host, d.Port, d.DBName)
}

// Config is the saga server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("config: server port is required")
	}
	switch c.Database.Driver {
	case DriverMemory:
		return nil
	case DriverMySQL:
		if c.Database.Host == "" || c.Database.Port == "" || c.Database.DBName == "" {
			return errors.New("config: mysql driver requires host, port and dbname")
		}
		return nil
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
}

// Load reads saga-server.yaml from searchPath (or the working directory),
// with SAGA_-prefixed environment variables taking precedence. A missing
// file falls back to defaults: port 8092 with the memory driver.
func Load(searchPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("saga-server")
	v.SetConfigType("yaml")
	if searchPath != "" {
		v.AddConfigPath(searchPath)
	}
	v.AddConfigPath(".")

	v.SetDefault("server.port", "8092")
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "3306")

	v.SetEnvPrefix("SAGA")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
