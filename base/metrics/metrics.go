package metrics

const (
	LoopTicksH            = "The total number of control loop ticks"
	LoopTicksN            = "ffbrt_loop_ticks_total"
	LoopMissedTicksH      = "The total number of ticks that missed their deadline"
	LoopMissedTicksN      = "ffbrt_loop_missed_ticks_total"
	LoopTimingViolationsH = "The total number of ticks late by more than the violation threshold"
	LoopTimingViolationsN = "ffbrt_loop_timing_violations_total"
	LoopMissedTickRateH   = "The fraction of ticks that missed their deadline"
	LoopMissedTickRateN   = "ffbrt_loop_missed_tick_rate"
	LoopJitterP50H        = "The median absolute tick jitter in seconds"
	LoopJitterP50N        = "ffbrt_loop_jitter_p50_seconds"
	LoopJitterP99H        = "The 99th percentile absolute tick jitter in seconds"
	LoopJitterP99N        = "ffbrt_loop_jitter_p99_seconds"
	LoopMaxJitterH        = "The largest absolute tick jitter observed in seconds"
	LoopMaxJitterN        = "ffbrt_loop_max_jitter_seconds"
	LoopTargetPeriodH     = "The current target tick period in seconds"
	LoopTargetPeriodN     = "ffbrt_loop_target_period_seconds"
	LoopCorrectionH       = "The current deadline correction applied by the PLL in seconds"
	LoopCorrectionN       = "ffbrt_loop_pll_correction_seconds"
	LoopProcessingP99H    = "The 99th percentile per-tick processing time in seconds"
	LoopProcessingP99N    = "ffbrt_loop_processing_p99_seconds"

	DeviceWriteErrorsH = "The total number of failed torque writes"
	DeviceWriteErrorsN = "ffbrt_device_write_errors_total"
	DeviceReadErrorsH  = "The total number of failed status reads"
	DeviceReadErrorsN  = "ffbrt_device_read_errors_total"
	DeviceTorqueH      = "The torque last written to the device in newton metres"
	DeviceTorqueN      = "ffbrt_device_torque_nm"

	FaultActiveH           = "The active fault (1 for the active fault type, 0 otherwise)"
	FaultActiveN           = "ffbrt_fault_active"
	FaultOccurrencesH      = "The total number of handled faults per fault type"
	FaultOccurrencesN      = "ffbrt_fault_occurrences_total"
	FaultTorqueMultiplierH = "The fraction of nominal torque currently allowed by the fault system"
	FaultTorqueMultiplierN = "ffbrt_fault_torque_multiplier"
	FaultQuarantinedH      = "The number of quarantined plugins"
	FaultQuarantinedN      = "ffbrt_fault_quarantined_plugins"

	SafetyModeH      = "The current safety mode (1 for the current mode, 0 otherwise)"
	SafetyModeN      = "ffbrt_safety_mode"
	SafetyMaxTorqueH = "The torque ceiling of the current safety mode in newton metres"
	SafetyMaxTorqueN = "ffbrt_safety_max_torque_nm"
)
