package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleEntry представляет одну строку рассчитанного графика платежей
type ScheduleEntry struct {
	Sequence       int
	Amount         decimal.Decimal // Доля основного долга
	DueDate        time.Time
	InterestAmount decimal.Decimal
}

// GenerateSchedule рассчитывает график с равными долями основного долга.
// Проценты начисляются на остаток долга, поэтому к концу графика они уменьшаются.
// Последний платеж забирает остаток от округления, сумма долей равна principal.
// Ставки задаются в долях за месяц (0.01 = 1%). Пеня здесь не рассчитывается.
func GenerateSchedule(principal decimal.Decimal, installmentCount int, monthlyRate, penaltyRate decimal.Decimal, startDate time.Time) ([]ScheduleEntry, error) {
	if installmentCount <= 0 {
		return nil, fmt.Errorf("%w: количество платежей должно быть больше 0, получено %d", ErrInvalidScheduleParameters, installmentCount)
	}
	if !principal.IsPositive() {
		return nil, fmt.Errorf("%w: сумма рассрочки должна быть больше 0, получено %s", ErrInvalidScheduleParameters, principal)
	}
	if monthlyRate.IsNegative() || penaltyRate.IsNegative() {
		return nil, fmt.Errorf("%w: ставки не могут быть отрицательными", ErrInvalidScheduleParameters)
	}

	count := decimal.NewFromInt(int64(installmentCount))
	share := principal.Div(count).Truncate(2)

	entries := make([]ScheduleEntry, installmentCount)
	remaining := principal

	for i := 0; i < installmentCount; i++ {
		// Проценты на непогашенный остаток
		interest := remaining.Mul(monthlyRate).Round(2)

		amount := share
		if i == installmentCount-1 {
			amount = remaining
		}

		entries[i] = ScheduleEntry{
			Sequence:       i + 1,
			Amount:         amount,
			DueDate:        AddMonthsClamped(startDate, i+1),
			InterestAmount: interest,
		}

		remaining = remaining.Sub(amount)
	}

	return entries, nil
}

// AddMonthsClamped прибавляет месяцы, сохраняя число месяца.
// Если в целевом месяце меньше дней, берется его последний день (31 янв + 1 мес = 28/29 фев).
func AddMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// DaysBetween возвращает количество календарных дней от from до to в заданном часовом поясе
func DaysBetween(from, to time.Time, loc *time.Location) int {
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// MonthsLate возвращает количество начатых месяцев просрочки
func MonthsLate(dueDate, now time.Time, loc *time.Location) int {
	if DaysBetween(dueDate, now, loc) <= 0 {
		return 0
	}
	months := 1
	for DaysBetween(AddMonthsClamped(dueDate, months), now, loc) > 0 {
		months++
	}
	return months
}

// CalculatePenalty рассчитывает пеню: просроченная сумма * ставка пени * месяцы просрочки
func CalculatePenalty(overdueAmount, penaltyRate decimal.Decimal, monthsLate int) decimal.Decimal {
	if monthsLate <= 0 || !penaltyRate.IsPositive() {
		return decimal.Zero
	}
	return overdueAmount.Mul(penaltyRate).Mul(decimal.NewFromInt(int64(monthsLate))).Round(2)
}
