package guest

import (
	"fmt"

	"github.com/cochaviz/keel/internal/remote"
)

// Step descriptions double as log messages and error labels.
const (
	StepReadConfig     = "read api config"
	StepStopService    = "stop service"
	StepWriteConfig    = "write api config"
	StepQueryService   = "query service definition"
	StepRewriteFlags   = "rewrite service command line"
	StepQueryFirewall  = "query firewall rule"
	StepAddFirewall    = "add firewall rule"
	StepServiceStatus  = "query service status"
	StepStartService   = "start service"
	StepEnableFeature  = "enable containers feature"
	StepInstallEngine  = "install engine binaries"
	StepRegister       = "register service"
	StepWriteMarker    = "write completion marker"
	StepCheckMarker    = "check completion marker"
	StepRebootForSetup = "reboot to finish feature install"
)

func (p Profile) readConfig() remote.Command {
	return remote.Script(StepReadConfig, fmt.Sprintf(
		"if (Test-Path -LiteralPath %[1]s) { Get-Content -Raw -LiteralPath %[1]s }", psQuote(p.ConfigPath)))
}

func (p Profile) stopService() remote.Command {
	return remote.Script(StepStopService, fmt.Sprintf(
		"Stop-Service -Name %s -Force -ErrorAction SilentlyContinue; exit 0", psQuote(p.ServiceName)))
}

func (p Profile) writeConfig(content string) remote.Command {
	return remote.Script(StepWriteConfig, fmt.Sprintf(
		"New-Item -ItemType Directory -Force -Path %s | Out-Null; "+
			"[IO.File]::WriteAllText(%s, %s, (New-Object Text.UTF8Encoding $false))",
		psQuote(windowsDir(p.ConfigPath)), psQuote(p.ConfigPath), psQuote(content)))
}

func (p Profile) queryService() remote.Command {
	return remote.Native(StepQueryService, "sc.exe qc "+p.ServiceName)
}

func (p Profile) rewriteFlags() remote.Command {
	return remote.Native(StepRewriteFlags, fmt.Sprintf(
		`sc.exe config %s binPath= "\"%s\" %s"`, p.ServiceName, p.BinaryPath, p.ServiceFlag))
}

func (p Profile) queryFirewall() remote.Command {
	return remote.Native(StepQueryFirewall, fmt.Sprintf(
		`netsh advfirewall firewall show rule name="%s"`, p.FirewallRule))
}

func (p Profile) addFirewall() remote.Command {
	return remote.Native(StepAddFirewall, fmt.Sprintf(
		`netsh advfirewall firewall add rule name="%s" dir=in action=allow protocol=TCP localport=%d`,
		p.FirewallRule, p.APIPort))
}

func (p Profile) serviceStatus() remote.Command {
	return remote.Script(StepServiceStatus, fmt.Sprintf(
		"(Get-Service -Name %s).Status", psQuote(p.ServiceName)))
}

func (p Profile) startService() remote.Command {
	return remote.Script(StepStartService, fmt.Sprintf(
		"Start-Service -Name %s", psQuote(p.ServiceName)))
}

// enableFeature prints RESTART when the feature needs a reboot to finish.
func (p Profile) enableFeature() remote.Command {
	return remote.Script(StepEnableFeature,
		"$f = Get-WindowsOptionalFeature -Online -FeatureName Containers; "+
			"if ($f.State -ne 'Enabled') { "+
			"$r = Enable-WindowsOptionalFeature -Online -FeatureName Containers -All -NoRestart; "+
			"if ($r.RestartNeeded) { 'RESTART' } }")
}

func (p Profile) installEngine() remote.Command {
	return remote.Script(StepInstallEngine, fmt.Sprintf(
		"if (-not (Test-Path -LiteralPath %[1]s)) { "+
			"$zip = Join-Path $env:TEMP 'engine.zip'; "+
			"Invoke-WebRequest -UseBasicParsing -Uri %[2]s -OutFile $zip; "+
			"Expand-Archive -Path $zip -DestinationPath (Split-Path -Parent %[3]s) -Force; "+
			"Remove-Item $zip }",
		psQuote(p.BinaryPath), psQuote(p.EngineURL), psQuote(p.binaryDir())))
}

func (p Profile) register() remote.Command {
	return remote.Script(StepRegister, fmt.Sprintf(
		"if (-not (Get-Service -Name %s -ErrorAction SilentlyContinue)) { & %s --register-service }",
		psQuote(p.ServiceName), psQuote(p.BinaryPath)))
}

func (p Profile) writeMarker() remote.Command {
	return remote.Script(StepWriteMarker, fmt.Sprintf(
		"New-Item -ItemType Directory -Force -Path %s | Out-Null; Set-Content -LiteralPath %s -Value (Get-Date -Format o)",
		psQuote(windowsDir(p.MarkerPath)), psQuote(p.MarkerPath)))
}

func (p Profile) checkMarker() remote.Command {
	return remote.Script(StepCheckMarker, fmt.Sprintf(
		"if (Test-Path -LiteralPath %s) { 'present' } else { 'absent' }", psQuote(p.MarkerPath)))
}

func rebootGuest() remote.Command {
	return remote.Native(StepRebootForSetup, "shutdown /r /t 5")
}
