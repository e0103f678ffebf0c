package openai

import (
	"fmt"
	"sort"
	"strings"
)

// Provider 标识一个兼容 OpenAI Chat Completions 协议的服务商。
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
	ProviderGrok     Provider = "grok"
	ProviderGemini   Provider = "gemini"
	ProviderOllama   Provider = "ollama"
)

type providerDefaults struct {
	baseURL     string
	model       string
	requiresKey bool
}

var providers = map[Provider]providerDefaults{
	ProviderOpenAI:   {baseURL: "https://api.openai.com/v1/", model: "gpt-4o-mini", requiresKey: true},
	ProviderDeepSeek: {baseURL: "https://api.deepseek.com/v1/", model: "deepseek-chat", requiresKey: true},
	ProviderGrok:     {baseURL: "https://api.groq.com/openai/v1/", model: "llama-3.3-70b-versatile", requiresKey: true},
	ProviderGemini:   {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai/", model: "gemini-2.0-flash", requiresKey: true},
	ProviderOllama:   {baseURL: "http://localhost:11434/v1/", model: "llama3.1", requiresKey: false},
}

// ParseProvider 解析服务商名称，空字符串视为 openai。
func ParseProvider(name string) (Provider, error) {
	normalized := Provider(strings.ToLower(strings.TrimSpace(name)))
	if normalized == "" {
		return ProviderOpenAI, nil
	}
	if _, ok := providers[normalized]; !ok {
		return "", fmt.Errorf("未知的大模型服务商 %q，可选: %s", name, strings.Join(Providers(), ", "))
	}
	return normalized, nil
}

// Providers 返回支持的服务商列表。
func Providers() []string {
	names := make([]string, 0, len(providers))
	for p := range providers {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// DefaultBaseURL 返回服务商的默认接入地址。
func (p Provider) DefaultBaseURL() string {
	return providers[p].baseURL
}

// DefaultModel 返回服务商的默认模型。
func (p Provider) DefaultModel() string {
	return providers[p].model
}

// RequiresAPIKey 判断服务商是否必须提供 API Key。
func (p Provider) RequiresAPIKey() bool {
	return providers[p].requiresKey
}
