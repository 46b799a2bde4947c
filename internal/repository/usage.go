package repository

import "github.com/Lingovox/tg-voice-translator/internal/model"

// usageDebit описывает, что нужно списать со строки аккаунта по решению политики.
type usageDebit struct {
	trial   bool
	seconds int64
}

// decideUsage применяет политику тарификации к текущим счётчикам аккаунта.
// Пока остались пробные сообщения, запросы обслуживаются только из пробного
// лимита: списывается одно сообщение независимо от длительности, но длительность
// ограничена trialCap. После исчерпания пробного лимита списываются секунды
// баланса, минимум одна на сообщение.
func decideUsage(trialLeft int, balanceSeconds, durationSeconds, trialCap int64) (model.Decision, usageDebit) {
	if trialLeft > 0 {
		if durationSeconds > trialCap {
			return model.Decision{
				Allowed:          false,
				Reason:           model.DenyTrialCapExceeded,
				RemainingTrial:   trialLeft,
				RemainingBalance: balanceSeconds,
			}, usageDebit{}
		}

		return model.Decision{
			Allowed:          true,
			Source:           model.DebitSourceTrial,
			RemainingTrial:   trialLeft - 1,
			RemainingBalance: balanceSeconds,
		}, usageDebit{trial: true}
	}

	deduct := durationSeconds
	if deduct < 1 {
		deduct = 1
	}

	if balanceSeconds < deduct {
		reason := model.DenyInsufficientBalance
		if balanceSeconds == 0 {
			reason = model.DenyTrialExhausted
		}
		return model.Decision{
			Allowed:          false,
			Reason:           reason,
			RemainingTrial:   0,
			RemainingBalance: balanceSeconds,
		}, usageDebit{}
	}

	return model.Decision{
		Allowed:          true,
		Source:           model.DebitSourceBalance,
		RemainingTrial:   0,
		RemainingBalance: balanceSeconds - deduct,
	}, usageDebit{seconds: deduct}
}
