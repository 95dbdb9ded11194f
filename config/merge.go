package config

// mergeConfigs merges override configuration into base. Set fields in
// override win; slices are replaced, not appended.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	result.Server = mergeServer(result.Server, override.Server)
	result.Sessions = mergeSessions(result.Sessions, override.Sessions)
	result.Transport = mergeTransport(result.Transport, override.Transport)
	result.Workflow = mergeWorkflow(result.Workflow, override.Workflow)
	result.Engine = mergeEngine(result.Engine, override.Engine)

	// Merge extensions
	if override.Extensions != nil {
		merged := make(map[string]interface{}, len(result.Extensions)+len(override.Extensions))
		for key, value := range result.Extensions {
			merged[key] = value
		}
		for key, value := range override.Extensions {
			// If both base and override have the same extension key, merge them
			if baseMap, ok := merged[key].(map[string]interface{}); ok {
				if overrideMap, ok := value.(map[string]interface{}); ok {
					mergedMap := make(map[string]interface{}, len(baseMap)+len(overrideMap))
					for k, v := range baseMap {
						mergedMap[k] = v
					}
					for k, v := range overrideMap {
						mergedMap[k] = v
					}
					merged[key] = mergedMap
					continue
				}
			}
			// Otherwise just replace
			merged[key] = value
		}
		result.Extensions = merged
	}

	result.Sources = append(append([]string(nil), base.Sources...), override.Sources...)
	return &result
}

func mergeServer(base, override ServerConfig) ServerConfig {
	result := base
	if override.Address != "" {
		result.Address = override.Address
	}
	if len(override.AllowedOrigins) > 0 {
		result.AllowedOrigins = override.AllowedOrigins
	}
	if override.EventBuffer != 0 {
		result.EventBuffer = override.EventBuffer
	}
	return result
}

func mergeSessions(base, override SessionsConfig) SessionsConfig {
	result := base
	if override.IdleTTL != 0 {
		result.IdleTTL = override.IdleTTL
	}
	if override.SweepInterval != 0 {
		result.SweepInterval = override.SweepInterval
	}
	return result
}

func mergeTransport(base, override TransportConfig) TransportConfig {
	result := base
	if override.Backend != "" {
		result.Backend = override.Backend
	}
	if override.ReconnectAttempts != 0 {
		result.ReconnectAttempts = override.ReconnectAttempts
	}
	if override.ReconnectBackoff != 0 {
		result.ReconnectBackoff = override.ReconnectBackoff
	}
	if override.RequestTimeout != 0 {
		result.RequestTimeout = override.RequestTimeout
	}
	return result
}

func mergeWorkflow(base, override WorkflowConfig) WorkflowConfig {
	result := base
	if override.DefaultTaskCount != 0 {
		result.DefaultTaskCount = override.DefaultTaskCount
	}
	if override.MinTaskCount != 0 {
		result.MinTaskCount = override.MinTaskCount
	}
	if override.MaxTaskCount != 0 {
		result.MaxTaskCount = override.MaxTaskCount
	}
	return result
}

func mergeEngine(base, override EngineConfig) EngineConfig {
	result := base
	if len(override.Command) > 0 {
		result.Command = override.Command
	}
	if override.RepoDir != "" {
		result.RepoDir = override.RepoDir
	}
	if len(override.Ignore) > 0 {
		result.Ignore = override.Ignore
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	return result
}
